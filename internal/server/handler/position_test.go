package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/calebmoy/perpagent/internal/domain"
)

type fakeLifecycle struct {
	openRes  domain.OpenResult
	openErr  error
	closeRes domain.CloseResult
	closeErr error
	protRes  domain.ProtectiveResult
	protErr  error

	lastProtective domain.ProtectiveRequest
}

func (f *fakeLifecycle) OpenPosition(ctx context.Context, req domain.OpenRequest) (domain.OpenResult, error) {
	return f.openRes, f.openErr
}

func (f *fakeLifecycle) ClosePosition(ctx context.Context, req domain.CloseRequest) (domain.CloseResult, error) {
	return f.closeRes, f.closeErr
}

func (f *fakeLifecycle) SetProtective(ctx context.Context, req domain.ProtectiveRequest) (domain.ProtectiveResult, error) {
	f.lastProtective = req
	return f.protRes, f.protErr
}

type fakeReader struct {
	position domain.Position
	getErr   error
	open     []domain.Position
	closed   []domain.Position
}

func (f *fakeReader) GetByID(ctx context.Context, id string) (domain.Position, error) {
	return f.position, f.getErr
}

func (f *fakeReader) OpenPositions(ctx context.Context, user string) ([]domain.Position, error) {
	return f.open, nil
}

func (f *fakeReader) ClosedPositions(ctx context.Context, user string, opts domain.ListOpts) ([]domain.Position, error) {
	return f.closed, nil
}

func newTestHandler(lc *fakeLifecycle, rd *fakeReader) *PositionHandler {
	return NewPositionHandler(lc, rd, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestOpenSuccess(t *testing.T) {
	lc := &fakeLifecycle{openRes: domain.OpenResult{
		Success:       true,
		TxHash:        "0xabc",
		IndexResolved: true,
		Status:        domain.StatusOpen,
	}}
	h := newTestHandler(lc, &fakeReader{})

	body := `{"deploymentId":"dep-1","signalId":"sig-1","userAddress":"0xuser","agentAddress":"0xagent","market":"BTC","side":"long","collateral":250,"leverage":10,"delegated":true}`
	req := httptest.NewRequest(http.MethodPost, "/api/positions/open", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.Open(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var res domain.OpenResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !res.Success || res.TxHash != "0xabc" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestOpenBadBody(t *testing.T) {
	h := newTestHandler(&fakeLifecycle{}, &fakeReader{})

	req := httptest.NewRequest(http.MethodPost, "/api/positions/open", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()

	h.Open(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestOpenErrorKindStatusMapping(t *testing.T) {
	tests := []struct {
		kind domain.ErrorKind
		want int
	}{
		{domain.ErrKindValidation, http.StatusBadRequest},
		{domain.ErrKindInsufficientFunds, http.StatusUnprocessableEntity},
		{domain.ErrKindVenueRejection, http.StatusUnprocessableEntity},
		{domain.ErrKindAlreadySettled, http.StatusConflict},
		{domain.ErrKindServiceUnavailable, http.StatusServiceUnavailable},
		{domain.ErrKindNone, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			lc := &fakeLifecycle{
				openRes: domain.OpenResult{ErrorKind: tt.kind, Detail: "nope"},
				openErr: domain.ErrValidation,
			}
			h := newTestHandler(lc, &fakeReader{})

			req := httptest.NewRequest(http.MethodPost, "/api/positions/open", strings.NewReader(`{}`))
			rec := httptest.NewRecorder()

			h.Open(rec, req)

			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			var res domain.OpenResult
			if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if res.ErrorKind != tt.kind {
				t.Errorf("errorKind = %q, want %q", res.ErrorKind, tt.kind)
			}
		})
	}
}

func TestCloseAlreadyClosedIsOK(t *testing.T) {
	pnl := 12.5
	lc := &fakeLifecycle{closeRes: domain.CloseResult{
		Success:       true,
		AlreadyClosed: true,
		RealizedPnL:   &pnl,
		Status:        domain.StatusAlreadyClosed,
	}}
	h := newTestHandler(lc, &fakeReader{})

	body := `{"deploymentId":"dep-1","signalId":"sig-1","userAddress":"0xuser","agentAddress":"0xagent","market":"BTC","delegated":true}`
	req := httptest.NewRequest(http.MethodPost, "/api/positions/close", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.Close(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var res domain.CloseResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !res.AlreadyClosed || res.RealizedPnL == nil || *res.RealizedPnL != pnl {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestStopLossForcesKind(t *testing.T) {
	lc := &fakeLifecycle{protRes: domain.ProtectiveResult{Success: true, Price: 92.9}}
	h := newTestHandler(lc, &fakeReader{})

	body := `{"userAddress":"0xuser","agentAddress":"0xagent","market":"BTC","tradeIndex":3,"pairIndex":0,"side":"long","kind":"take_profit","percent":0.05,"referencePrice":100,"delegated":true}`
	req := httptest.NewRequest(http.MethodPost, "/api/positions/stop-loss", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.StopLoss(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if lc.lastProtective.Kind != domain.ProtectiveStopLoss {
		t.Errorf("kind = %q, want %q", lc.lastProtective.Kind, domain.ProtectiveStopLoss)
	}
}

func TestGetNotFound(t *testing.T) {
	h := newTestHandler(&fakeLifecycle{}, &fakeReader{getErr: domain.ErrNotFound})

	req := httptest.NewRequest(http.MethodGet, "/api/positions/missing", nil)
	req.SetPathValue("id", "missing")
	rec := httptest.NewRecorder()

	h.Get(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestListOpenRequiresUser(t *testing.T) {
	h := newTestHandler(&fakeLifecycle{}, &fakeReader{})

	req := httptest.NewRequest(http.MethodGet, "/api/positions", nil)
	rec := httptest.NewRecorder()

	h.ListOpen(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestListOpenEmptyIsArray(t *testing.T) {
	h := newTestHandler(&fakeLifecycle{}, &fakeReader{})

	req := httptest.NewRequest(http.MethodGet, "/api/positions?user=0xuser", nil)
	rec := httptest.NewRecorder()

	h.ListOpen(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"positions":[]`) {
		t.Errorf("body = %s, want empty positions array", rec.Body.String())
	}
}
