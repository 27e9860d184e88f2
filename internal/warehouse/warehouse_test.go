package warehouse

import (
	"encoding/csv"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestColumnNames(t *testing.T) {
	tests := []struct {
		name   string
		header []string
		want   []string
	}{
		{"plain", []string{"TELEPHONE", "Operateur"}, []string{"telephone", "operateur"}},
		{"spaces and punctuation", []string{"Date de naissance", "e-mail"}, []string{"date_de_naissance", "e_mail"}},
		{"accents replaced", []string{"Mnémo"}, []string{"mn_mo"}},
		{"bom stripped", []string{"\ufeffTELEPHONE"}, []string{"telephone"}},
		{"blank gets position", []string{"a", "", "  "}, []string{"a", "column_2", "column_3"}},
		{"duplicates suffixed", []string{"x", "X", "x"}, []string{"x", "x_2", "x_3"}},
		{"leading digit", []string{"2024"}, []string{"c_2024"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ColumnNames(tt.header); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ColumnNames() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCreateTableSQL(t *testing.T) {
	got := CreateTableSQL("sub scribers", []string{"telephone", "operateur"})
	want := `CREATE TABLE IF NOT EXISTS "sub scribers" ("telephone" TEXT, "operateur" TEXT)`
	if got != want {
		t.Errorf("CreateTableSQL() = %s, want %s", got, want)
	}
}

func TestReadBatches(t *testing.T) {
	in := "1,a\n2,b\n3\n4,d,extra\n5,e\n"
	cr := csv.NewReader(strings.NewReader(in))
	cr.FieldsPerRecord = -1

	var sizes []int
	var all [][]any
	err := ReadBatches(cr, 2, 2, func(rows [][]any) error {
		sizes = append(sizes, len(rows))
		all = append(all, rows...)
		return nil
	})
	if err != nil {
		t.Fatalf("ReadBatches() error = %v", err)
	}
	if !reflect.DeepEqual(sizes, []int{2, 2, 1}) {
		t.Errorf("batch sizes = %v, want [2 2 1]", sizes)
	}
	if all[2][1] != nil {
		t.Errorf("short row padded with %v, want nil", all[2][1])
	}
	if len(all[3]) != 2 || all[3][1] != "d" {
		t.Errorf("long row = %v", all[3])
	}
}

func TestReadBatches_StopsOnError(t *testing.T) {
	cr := csv.NewReader(strings.NewReader("1\n2\n3\n"))
	boom := errors.New("boom")
	calls := 0
	err := ReadBatches(cr, 1, 1, func([][]any) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) || calls != 1 {
		t.Errorf("err = %v, calls = %d", err, calls)
	}
}

func TestNewLoader_DefaultBatch(t *testing.T) {
	if l := NewLoader(nil, "t", 0); l.batchSize != DefaultBatchSize {
		t.Errorf("batchSize = %d, want %d", l.batchSize, DefaultBatchSize)
	}
}
