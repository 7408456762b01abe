// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mbeema/interpose/pkg/locator"
	"github.com/mbeema/interpose/pkg/registry"
	"go.uber.org/zap"
)

type stubController struct {
	installErr   error
	uninstallErr error
	forceErr     error
	status       []registry.RecordStatus
}

func (c *stubController) InstallHook() error                  { return c.installErr }
func (c *stubController) UninstallHook() error                { return c.uninstallErr }
func (c *stubController) ForceUninstallHook() error           { return c.forceErr }
func (c *stubController) HookStatus() []registry.RecordStatus { return c.status }

func newTestServer(ctrl Controller) *Server {
	return NewServer(":0", "test", NewStats(), ctrl, zap.NewNop())
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(&stubController{})
	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != "healthy" || resp.Version != "test" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestHandleReady(t *testing.T) {
	s := newTestServer(nil)
	rec := httptest.NewRecorder()
	s.handleReady(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("not-ready code = %d", rec.Code)
	}

	s.SetReady(true)
	rec = httptest.NewRecorder()
	s.handleReady(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("ready code = %d", rec.Code)
	}
}

func TestHandleStatus(t *testing.T) {
	ctrl := &stubController{
		status: []registry.RecordStatus{
			{Index: 2, State: "installed", Original: 0xAAAA, Wrapper: 0x10001},
		},
	}
	s := newTestServer(ctrl)
	rec := httptest.NewRecorder()
	s.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Hooks) != 1 || resp.Hooks[0].Index != 2 || resp.Hooks[0].State != "installed" {
		t.Errorf("hooks = %+v", resp.Hooks)
	}
}

func TestHookOpMethodAndErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		ctrl *stubController
		want int
	}{
		{"ok", &stubController{}, http.StatusOK},
		{"already installed", &stubController{installErr: registry.ErrAlreadyInstalled}, http.StatusConflict},
		{"foreign patch", &stubController{installErr: registry.ErrForeignPatch}, http.StatusConflict},
		{"not found", &stubController{installErr: locator.ErrNotFound}, http.StatusNotFound},
		{"permission", &stubController{installErr: locator.ErrPermissionDenied}, http.StatusForbidden},
	}
	for _, tt := range tests {
		s := newTestServer(tt.ctrl)
		h := s.handleHookOp(func(c Controller) error { return c.InstallHook() })

		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodPost, "/hook/install", nil))
		if rec.Code != tt.want {
			t.Errorf("%s: code = %d, want %d", tt.name, rec.Code, tt.want)
		}

		// GET is rejected.
		rec = httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodGet, "/hook/install", nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s: GET code = %d", tt.name, rec.Code)
		}
	}
}

func TestPrometheusMetrics(t *testing.T) {
	stats := NewStats()
	stats.Installs.Add(1)
	stats.Substitutions.Add(3)

	out := stats.PrometheusMetrics()
	if !strings.Contains(out, "interpose_hook_installs_total 1") {
		t.Errorf("missing installs counter:\n%s", out)
	}
	if !strings.Contains(out, "interpose_substitutions_total 3") {
		t.Errorf("missing substitutions counter:\n%s", out)
	}
	if !strings.Contains(out, "# TYPE interpose_uptime_seconds gauge") {
		t.Errorf("missing uptime TYPE line:\n%s", out)
	}
}
