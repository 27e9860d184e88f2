package web

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/JonMunkholm/opmerge/internal/report"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

func (s *Server) handleDatasetInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.deps.Appender.Info()
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, info)
}

// handlePurgeDataset removes the master dataset under the lock marker.
func (s *Server) handlePurgeDataset(w http.ResponseWriter, r *http.Request) {
	removed, err := s.deps.Appender.Purge(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, map[string]bool{"removed": removed})
}

func (s *Server) handleDatasetStats(w http.ResponseWriter, r *http.Request) {
	sum, err := report.SummarizeFile(r.Context(), s.deps.Appender.MasterPath())
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, sum)
}

// handleDatasetReport renders the operator distribution workbook.
func (s *Server) handleDatasetReport(w http.ResponseWriter, r *http.Request) {
	sum, err := report.SummarizeFile(r.Context(), s.deps.Appender.MasterPath())
	if err != nil {
		respondError(w, r, err)
		return
	}

	var buf bytes.Buffer
	if err := report.WriteXLSX(sum, &buf); err != nil {
		respondError(w, r, err)
		return
	}

	filename := fmt.Sprintf("operators-%s.xlsx", time.Now().Format("20060102"))
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	_, _ = w.Write(buf.Bytes())
}

// handleWarehouseLoad copies the master dataset into Postgres.
func (s *Server) handleWarehouseLoad(w http.ResponseWriter, r *http.Request) {
	if s.deps.Loader == nil {
		writeError(w, http.StatusServiceUnavailable, "warehouse is not configured")
		return
	}

	res, err := s.deps.Loader.LoadFile(r.Context(), s.deps.Appender.MasterPath())
	if err != nil {
		respondError(w, r, err)
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.WarehouseLoaded(res.Rows, res.Duration)
	}
	writeJSON(w, res)
}
