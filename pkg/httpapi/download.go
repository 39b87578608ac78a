// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httpapi

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/flowcore/pkg/docxgen"
	"github.com/kadirpekel/flowcore/pkg/flows"
)

const docxContentType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

// renderDocx produces DOCX bytes from markdown, through the configured
// template when one is deployed.
func (s *Server) renderDocx(markdown string) ([]byte, error) {
	if s.opts.DocxTemplate != "" {
		return docxgen.RenderWithTemplate(s.opts.DocxTemplate, markdown)
	}
	return docxgen.Render(markdown)
}

func serveDocx(w http.ResponseWriter, filename string, data []byte) {
	w.Header().Set("Content-Type", docxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleChaptersDownload renders every completed chapter, in cluster
// order, as one DOCX.
func (s *Server) handleChaptersDownload(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")

	cp, err := s.opts.Checkpoints.GetLatest(r.Context(), threadID)
	if err != nil {
		writeErrorFor(w, err)
		return
	}

	chapters := flows.ChaptersByFileID(cp.Values)
	if len(chapters) == 0 {
		writeError(w, http.StatusNotFound, "not_found", "no chapters available for thread "+threadID)
		return
	}
	clustersAll := flows.ClustersAll(cp.Values)

	order := make([]string, 0, len(chapters))
	for id := range chapters {
		order = append(order, id)
	}
	sort.Strings(order)

	var b strings.Builder
	for _, id := range order {
		if cl, ok := clustersAll[id]; ok {
			fmt.Fprintf(&b, "# %s / %s\n\n", cl.Department, cl.Topic)
		} else {
			fmt.Fprintf(&b, "# %s\n\n", id)
		}
		b.WriteString(chapters[id])
		b.WriteString("\n\n")
	}

	data, err := s.renderDocx(b.String())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	serveDocx(w, "chapters-"+threadID+".docx", data)
}

// handleFinalReportDownload renders the editor's final report as DOCX.
func (s *Server) handleFinalReportDownload(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")

	cp, err := s.opts.Checkpoints.GetLatest(r.Context(), threadID)
	if err != nil {
		writeErrorFor(w, err)
		return
	}

	final, _ := cp.Values[flows.KeyFinalReport].(string)
	if final == "" {
		writeError(w, http.StatusNotFound, "not_found", "no final report available for thread "+threadID)
		return
	}

	data, err := s.renderDocx(final)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	serveDocx(w, "final-report-"+threadID+".docx", data)
}
