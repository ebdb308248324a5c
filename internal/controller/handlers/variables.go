package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"pipeforge/internal/ciconfig"
	"pipeforge/internal/controller/middleware"
	"pipeforge/pkg/api"
)

// GetVariables handles GET /projects/{id}/ci/variables.
// It returns the resolved top-level variable declarations of the CI
// configuration supplied in the request body. A configuration that does
// not compile yields an empty list, not an error.
func (h *Handlers) GetVariables(w http.ResponseWriter, r *http.Request) {
	if _, ok := middleware.ProjectFromContext(r.Context()); !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.httpError(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	resp := api.VariablesResponse{Variables: []api.VariableDefinition{}}

	compiled, err := compileConfig(body)
	if err == nil {
		for _, v := range compiled.Variables {
			resp.Variables = append(resp.Variables, api.VariableDefinition{
				Key:         v.Key,
				Value:       v.Value,
				Description: v.Description,
			})
		}
	}

	h.respondJson(w, http.StatusOK, resp)
}

// Lint handles POST /ci/lint.
// It reports whether a CI configuration compiles, with every structural
// error aggregated into the response.
func (h *Handlers) Lint(w http.ResponseWriter, r *http.Request) {
	var req api.LintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	resp := api.LintResponse{Valid: true}
	if _, err := compileConfig([]byte(req.Config)); err != nil {
		resp.Valid = false
		var cfgErr *ciconfig.InvalidConfigError
		if errors.As(err, &cfgErr) {
			resp.Errors = cfgErr.Errors
		} else {
			resp.Errors = []string{err.Error()}
		}
	}

	h.respondJson(w, http.StatusOK, resp)
}

func compileConfig(src []byte) (*ciconfig.Compiled, error) {
	doc, err := ciconfig.Parse(src)
	if err != nil {
		return nil, err
	}
	return doc.Compile()
}
