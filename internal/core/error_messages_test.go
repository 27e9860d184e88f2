package core

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{"nil error returns empty", nil, ""},
		{"busy", concurrencyErr("submit batch", ErrBusy), "CONC001"},
		{"lock timeout", concurrencyErr("acquire dataset lock", fmt.Errorf("%w after 1m0s", ErrLockTimeout)), "CONC002"},
		{"job not found", fmt.Errorf("%w: abc", ErrJobNotFound), "JOB001"},
		{"missing telephone", joinErr("enrich batch", ErrMissingTelephone), "JOIN001"},
		{"no matches", joinErr("enrich batch", ErrNoMatches), "JOIN002"},
		{"schema mismatch", validationErr("merge dataset", ErrSchemaMismatch), "VAL003"},
		{"invalid type", validationErr("submit batch", ErrInvalidInputType), "VAL001"},
		{"missing column", validationErr("load prefix table", ErrMissingColumn), "VAL002"},
		{"converter timeout", externalToolErr("convert batch", ErrConverterTimeout), "EXT002"},
		{"converter missing", externalToolErr("convert batch", ErrConverterMissing), "EXT003"},
		{"converter exit code", externalToolErr("convert batch", errors.New("exit code 2: bad")), "EXT001"},
		{"io kind", ioErr("merge dataset", errors.New("rename failed")), "IO001"},
		{"body too large", errors.New("http: request body too large"), "VAL004"},
		{"unclassified disk full", errors.New("write /data: no space left on device"), "IO001"},
		{"unknown", errors.New("something odd"), "ERR000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapError(tt.err)
			if got.Code != tt.wantCode {
				t.Errorf("MapError() code = %q, want %q", got.Code, tt.wantCode)
			}
			if tt.err != nil && (got.Message == "" || got.Action == "") {
				t.Errorf("MapError() missing text: %+v", got)
			}
		})
	}
}

func TestError_WrapsAndClassifies(t *testing.T) {
	err := fmt.Errorf("job 7: %w", joinErr("enrich batch", ErrMissingTelephone))

	if !errors.Is(err, ErrMissingTelephone) {
		t.Error("errors.Is should see the sentinel through the wrapping")
	}
	if KindOf(err) != KindJoin || !IsKind(err, KindJoin) {
		t.Errorf("KindOf() = %q, want join", KindOf(err))
	}
	if IsKind(nil, KindJoin) || KindOf(errors.New("plain")) != "" {
		t.Error("unclassified errors have no kind")
	}
	if !strings.Contains(err.Error(), "enrich batch: TELEPHONE column not found") {
		t.Errorf("Error() = %q", err.Error())
	}
	if newError(KindIO, "x", nil) != nil {
		t.Error("newError(nil) should be nil")
	}
}

func TestCleanErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"newlines collapsed", "line one\nline two\r\nline three", "line one line two line three"},
		{"trimmed", "  \nboom\n", "boom"},
		{"short untouched", "exit code 1", "exit code 1"},
	}
	for _, tt := range tests {
		if got := CleanErrorMessage(tt.in); got != tt.want {
			t.Errorf("%s: CleanErrorMessage() = %q, want %q", tt.name, got, tt.want)
		}
	}

	long := CleanErrorMessage(strings.Repeat("a", 600))
	if len(long) != MaxErrorMessageLen {
		t.Errorf("len = %d, want %d", len(long), MaxErrorMessageLen)
	}

	// 499 ASCII bytes then a 2-byte rune straddling the limit.
	multi := CleanErrorMessage(strings.Repeat("a", 499) + "ééé")
	if len(multi) != 499 || !strings.HasSuffix(multi, "a") {
		t.Errorf("rune split at limit: len=%d", len(multi))
	}
}
