package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordFeedOpenedClosed(t *testing.T) {
	before := testutil.ToFloat64(FeedConnections)
	RecordFeedOpened()
	if got := testutil.ToFloat64(FeedConnections); got != before+1 {
		t.Errorf("expected gauge %v, got %v", before+1, got)
	}
	RecordFeedClosed()
	if got := testutil.ToFloat64(FeedConnections); got != before {
		t.Errorf("expected gauge %v, got %v", before, got)
	}
}

func TestRecordReconnect(t *testing.T) {
	before := testutil.ToFloat64(FeedReconnects.WithLabelValues("error"))
	RecordReconnect(false)
	if got := testutil.ToFloat64(FeedReconnects.WithLabelValues("error")); got != before+1 {
		t.Errorf("expected %v, got %v", before+1, got)
	}
}

func TestHandler(t *testing.T) {
	MessagesSent.WithLabelValues("staff").Inc()

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := Handler()(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "clinic_messages_sent_total") {
		t.Error("expected clinic_messages_sent_total in output")
	}
}
