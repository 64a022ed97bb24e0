package testkit

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/chargekit/chargekit/pkg/ocpp"
)

// StartCentralSystem serves an OCPP central system over a test HTTP
// server and returns it with the ws:// URL charge points dial. The
// server shuts down with the test; use the CentralSystem handle to
// script id tag rejections, fail actions, and inspect recorded calls.
func StartCentralSystem(t testing.TB) (*ocpp.CentralSystem, string) {
	t.Helper()

	cs := ocpp.NewCentralSystem(nil)
	srv := httptest.NewServer(cs)
	t.Cleanup(srv.Close)
	return cs, "ws" + strings.TrimPrefix(srv.URL, "http")
}
