package patient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/carebridge/pkg/billingrpc"
	"github.com/nao1215/carebridge/pkg/credential"
	"github.com/nao1215/carebridge/pkg/database"
	"github.com/nao1215/carebridge/pkg/event"
	"github.com/nao1215/carebridge/pkg/eventbus"
	"github.com/nao1215/carebridge/pkg/logger"
	"github.com/nao1215/carebridge/pkg/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testSecret はテスト用の署名シークレット。
const testSecret = "test-secret-key"

// stubBilling はテスト用の課金クライアント。
type stubBilling struct {
	mu        sync.Mutex
	chargeErr error
	voidErr   error
	charges   []billingrpc.ChargeRequest
	voids     []billingrpc.VoidRequest
	deadline  time.Time
}

func (b *stubBilling) Charge(ctx context.Context, req billingrpc.ChargeRequest) (*billingrpc.ChargeResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.charges = append(b.charges, req)
	b.deadline, _ = ctx.Deadline()
	if b.chargeErr != nil {
		return nil, b.chargeErr
	}
	return &billingrpc.ChargeResult{
		ChargeID:    "charge-" + req.PatientID,
		PatientID:   req.PatientID,
		AmountCents: req.AmountCents,
		Currency:    req.Currency,
		State:       "captured",
		ProcessedAt: time.Now().UTC(),
	}, nil
}

func (b *stubBilling) Void(_ context.Context, req billingrpc.VoidRequest) (*billingrpc.ChargeResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.voids = append(b.voids, req)
	if b.voidErr != nil {
		return nil, b.voidErr
	}
	return &billingrpc.ChargeResult{State: "voided"}, nil
}

func (b *stubBilling) snapshot() ([]billingrpc.ChargeRequest, []billingrpc.VoidRequest) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]billingrpc.ChargeRequest(nil), b.charges...), append([]billingrpc.VoidRequest(nil), b.voids...)
}

// recordingPublisher は発行されたイベントを記録する。
type recordingPublisher struct {
	mu     sync.Mutex
	events []*event.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev *event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) published() []*event.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*event.Event(nil), p.events...)
}

// newTestServer はインメモリSQLiteで患者サーバーを生成する。
func newTestServer(t *testing.T, billing BillingClient, publisher EventPublisher) *Server {
	t.Helper()

	sqlDB, err := database.OpenSQLite(database.MemoryDSN)
	if err != nil {
		t.Fatalf("インメモリDB接続に失敗: %v", err)
	}
	s, err := New(Options{
		Port:      "0",
		DB:        sqlDB,
		Billing:   billing,
		Publisher: publisher,
		Validator: credential.NewValidator(credential.NewHMACKey([]byte(testSecret))),
	}, logger.Discard())
	if err != nil {
		t.Fatalf("New()でエラーが発生: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// testToken はaliceの資格情報を生成する。
func testToken(t *testing.T) string {
	t.Helper()
	now := time.Now()
	token, err := credential.NewHMACKey([]byte(testSecret)).Sign(credential.Claims{
		Subject:   "alice",
		Roles:     []string{"clinician"},
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Sign()でエラーが発生: %v", err)
	}
	return token
}

// register は患者登録リクエストを送る。
func register(t *testing.T, s *Server, body string, header http.Header) (*httptest.ResponseRecorder, Patient) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/patients", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testToken(t))
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	var p Patient
	if w.Code == http.StatusCreated {
		if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
			t.Fatalf("レスポンスボディのパースに失敗: %v", err)
		}
		return w, p
	}
	var failed struct {
		Patient *Patient `json:"patient"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &failed); err == nil && failed.Patient != nil {
		p = *failed.Patient
	}
	return w, p
}

func getJSON(t *testing.T, s *Server, path string, v any) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Bearer "+testToken(t))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code == http.StatusOK && v != nil {
		if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
			t.Fatalf("レスポンスボディのパースに失敗: %v", err)
		}
	}
	return w.Code
}

// TestRegister_Success は課金成功時の登録を検証する。
func TestRegister_Success(t *testing.T) {
	t.Parallel()

	billing := &stubBilling{}
	publisher := &recordingPublisher{}
	s := newTestServer(t, billing, publisher)

	w, p := register(t, s, `{"name":"山田太郎","registration_fee_cents":3000,"currency":"jpy"}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("ステータスコード = %d, want %d (body=%s)", w.Code, http.StatusCreated, w.Body.String())
	}
	if p.Status != StatusActive {
		t.Errorf("Status = %q, want %q", p.Status, StatusActive)
	}
	if p.ChargeID != "charge-"+p.ID {
		t.Errorf("ChargeID = %q, want %q", p.ChargeID, "charge-"+p.ID)
	}
	if p.RegisteredBy != "alice" {
		t.Errorf("RegisteredBy = %q, want %q", p.RegisteredBy, "alice")
	}

	charges, voids := billing.snapshot()
	if len(charges) != 1 {
		t.Fatalf("課金呼び出し回数 = %d, want 1", len(charges))
	}
	if charges[0].IdempotencyKey != IdempotencyKey(p.ID) {
		t.Errorf("IdempotencyKey = %q, want %q", charges[0].IdempotencyKey, IdempotencyKey(p.ID))
	}
	if charges[0].AmountCents != 3000 || charges[0].Currency != "JPY" {
		t.Errorf("課金内容 = %d %s, want 3000 JPY", charges[0].AmountCents, charges[0].Currency)
	}
	if len(voids) != 0 {
		t.Errorf("取消呼び出し回数 = %d, want 0", len(voids))
	}

	events := publisher.published()
	if len(events) != 1 {
		t.Fatalf("発行イベント数 = %d, want 1", len(events))
	}
	if events[0].Type != event.TypePatientRegistered || events[0].PartitionKey != p.ID {
		t.Errorf("イベント = %s/%s, want %s/%s", events[0].Type, events[0].PartitionKey, event.TypePatientRegistered, p.ID)
	}
	data, err := event.DecodeData[event.PatientRegisteredData](events[0])
	if err != nil {
		t.Fatalf("DecodeData()でエラーが発生: %v", err)
	}
	if data.ChargeID != p.ChargeID || data.FeeCents != 3000 {
		t.Errorf("イベントデータ = %+v", data)
	}

	var got Patient
	if code := getJSON(t, s, "/patients/"+p.ID, &got); code != http.StatusOK {
		t.Fatalf("GET ステータスコード = %d, want %d", code, http.StatusOK)
	}
	if got.Status != StatusActive {
		t.Errorf("GET Status = %q, want %q", got.Status, StatusActive)
	}

	var saga Saga
	if code := getJSON(t, s, "/patients/"+p.ID+"/saga", &saga); code != http.StatusOK {
		t.Fatalf("GET saga ステータスコード = %d, want %d", code, http.StatusOK)
	}
	if saga.Status != SagaCompleted {
		t.Errorf("Saga.Status = %q, want %q", saga.Status, SagaCompleted)
	}
	if len(saga.Steps) != 2 || saga.Steps[0].StepName != stepChargeFee || saga.Steps[1].StepName != stepPublish {
		t.Errorf("Saga.Steps = %+v", saga.Steps)
	}
	for _, st := range saga.Steps {
		if st.Status != StepCompleted {
			t.Errorf("ステップ %s の状態 = %q, want %q", st.StepName, st.Status, StepCompleted)
		}
	}
}

// TestRegister_Rejected は課金が拒否された場合の登録を検証する。
func TestRegister_Rejected(t *testing.T) {
	t.Parallel()

	billing := &stubBilling{chargeErr: &billingrpc.RejectedError{
		Code:   billingrpc.CodeInvalidAmount,
		Reason: "金額は正の値である必要があります",
	}}
	publisher := &recordingPublisher{}
	s := newTestServer(t, billing, publisher)

	w, p := register(t, s, `{"name":"佐藤花子","registration_fee_cents":0}`, nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("ステータスコード = %d, want %d (body=%s)", w.Code, http.StatusUnprocessableEntity, w.Body.String())
	}
	if p.Status != StatusRejected {
		t.Errorf("Status = %q, want %q", p.Status, StatusRejected)
	}
	if _, voids := billing.snapshot(); len(voids) != 0 {
		t.Errorf("拒否時に取消が呼ばれた: %d", len(voids))
	}
	if n := len(publisher.published()); n != 0 {
		t.Errorf("発行イベント数 = %d, want 0", n)
	}

	var got Patient
	if code := getJSON(t, s, "/patients/"+p.ID, &got); code != http.StatusOK {
		t.Fatalf("GET ステータスコード = %d, want %d", code, http.StatusOK)
	}
	if got.Status != StatusRejected || got.FailureReason == "" {
		t.Errorf("GET = %+v", got)
	}
}

// TestRegister_Unavailable は課金サービスが応答しない場合の補償を検証する。
func TestRegister_Unavailable(t *testing.T) {
	t.Parallel()

	unavailable := &billingrpc.UnavailableError{Attempts: 3, Err: errors.New("connection refused")}

	tests := []struct {
		name    string
		voidErr error
	}{
		{name: "取消に成功した場合", voidErr: nil},
		{name: "取消にも失敗した場合", voidErr: unavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name+"も登録は失敗として記録されイベントは発行されないこと", func(t *testing.T) {
			t.Parallel()

			billing := &stubBilling{chargeErr: unavailable, voidErr: tt.voidErr}
			publisher := &recordingPublisher{}
			s := newTestServer(t, billing, publisher)

			w, p := register(t, s, `{"name":"鈴木一郎","registration_fee_cents":3000}`, nil)
			if w.Code != http.StatusServiceUnavailable {
				t.Fatalf("ステータスコード = %d, want %d (body=%s)", w.Code, http.StatusServiceUnavailable, w.Body.String())
			}
			if p.Status != StatusFailed {
				t.Errorf("Status = %q, want %q", p.Status, StatusFailed)
			}

			_, voids := billing.snapshot()
			if len(voids) != 1 || voids[0].IdempotencyKey != IdempotencyKey(p.ID) {
				t.Errorf("取消 = %+v, want キー %q で1回", voids, IdempotencyKey(p.ID))
			}
			if n := len(publisher.published()); n != 0 {
				t.Errorf("発行イベント数 = %d, want 0", n)
			}

			var saga Saga
			if code := getJSON(t, s, "/patients/"+p.ID+"/saga", &saga); code != http.StatusOK {
				t.Fatalf("GET saga ステータスコード = %d, want %d", code, http.StatusOK)
			}
			if saga.Status != SagaFailed || saga.CurrentStep != stepVoidFee {
				t.Errorf("Saga = %s/%s, want %s/%s", saga.Status, saga.CurrentStep, SagaFailed, stepVoidFee)
			}
			if len(saga.Steps) != 2 || saga.Steps[0].Status != StepFailed {
				t.Errorf("Saga.Steps = %+v", saga.Steps)
			}
		})
	}
}

// TestRegister_RecordFailureAfterCharge は課金後にactiveを記録できない場合に課金が取り消されることを検証する。
func TestRegister_RecordFailureAfterCharge(t *testing.T) {
	t.Parallel()

	billing := &stubBilling{}
	publisher := &recordingPublisher{}
	s := newTestServer(t, billing, publisher)
	if _, err := s.db.Exec(`
		CREATE TRIGGER fail_activate BEFORE UPDATE ON patients
		WHEN NEW.status = 'active'
		BEGIN SELECT RAISE(ABORT, 'disk I/O error'); END`); err != nil {
		t.Fatalf("トリガーの作成に失敗: %v", err)
	}

	w, p := register(t, s, `{"name":"高橋花子","registration_fee_cents":3000}`, nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("ステータスコード = %d, want %d (body=%s)", w.Code, http.StatusInternalServerError, w.Body.String())
	}
	if p.ID == "" {
		t.Fatalf("レスポンスに患者が含まれていない: %s", w.Body.String())
	}

	charges, voids := billing.snapshot()
	if len(charges) != 1 {
		t.Errorf("課金呼び出し回数 = %d, want 1", len(charges))
	}
	if len(voids) != 1 || voids[0].IdempotencyKey != IdempotencyKey(p.ID) {
		t.Errorf("取消 = %+v, want キー %q で1回", voids, IdempotencyKey(p.ID))
	}
	if n := len(publisher.published()); n != 0 {
		t.Errorf("発行イベント数 = %d, want 0", n)
	}

	var got Patient
	if code := getJSON(t, s, "/patients/"+p.ID, &got); code != http.StatusOK {
		t.Fatalf("GET patient ステータスコード = %d, want %d", code, http.StatusOK)
	}
	if got.Status != StatusFailed {
		t.Errorf("Status = %q, want %q", got.Status, StatusFailed)
	}

	var saga Saga
	if code := getJSON(t, s, "/patients/"+p.ID+"/saga", &saga); code != http.StatusOK {
		t.Fatalf("GET saga ステータスコード = %d, want %d", code, http.StatusOK)
	}
	if saga.Status != SagaFailed || saga.CurrentStep != stepVoidFee {
		t.Errorf("Saga = %s/%s, want %s/%s", saga.Status, saga.CurrentStep, SagaFailed, stepVoidFee)
	}
}

// TestRegister_SagaStartFailure はSagaを開始できない場合に課金せずfailedとすることを検証する。
func TestRegister_SagaStartFailure(t *testing.T) {
	t.Parallel()

	billing := &stubBilling{}
	s := newTestServer(t, billing, &recordingPublisher{})
	if _, err := s.db.Exec(`
		CREATE TRIGGER fail_saga_start BEFORE INSERT ON sagas
		BEGIN SELECT RAISE(ABORT, 'disk I/O error'); END`); err != nil {
		t.Fatalf("トリガーの作成に失敗: %v", err)
	}

	w, _ := register(t, s, `{"name":"伊藤次郎","registration_fee_cents":3000}`, nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("ステータスコード = %d, want %d (body=%s)", w.Code, http.StatusInternalServerError, w.Body.String())
	}
	if charges, _ := billing.snapshot(); len(charges) != 0 {
		t.Errorf("課金呼び出し回数 = %d, want 0", len(charges))
	}

	var status string
	var n int
	if err := s.db.QueryRow(`SELECT status, COUNT(*) FROM patients`).Scan(&status, &n); err != nil {
		t.Fatalf("患者の取得に失敗: %v", err)
	}
	if n != 1 || status != StatusFailed {
		t.Errorf("患者 = %d件 (status=%q), want 1件 (status=%q)", n, status, StatusFailed)
	}
}

// TestRegister_Deadline は上流の期限が課金呼び出しに伝播することを検証する。
func TestRegister_Deadline(t *testing.T) {
	t.Parallel()

	billing := &stubBilling{}
	s := newTestServer(t, billing, &recordingPublisher{})

	deadline := time.Now().Add(3 * time.Second)
	header := http.Header{}
	header.Set(middleware.HeaderDeadline, middleware.FormatDeadline(deadline))
	w, _ := register(t, s, `{"name":"田中","registration_fee_cents":1000}`, header)
	if w.Code != http.StatusCreated {
		t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusCreated)
	}

	billing.mu.Lock()
	got := billing.deadline
	billing.mu.Unlock()
	if !got.Equal(deadline.UTC()) {
		t.Errorf("課金呼び出しの期限 = %v, want %v", got, deadline)
	}
}

// TestServer_Rejects は不正なリクエストが課金に到達しないことを検証する。
func TestServer_Rejects(t *testing.T) {
	t.Parallel()

	billing := &stubBilling{}
	s := newTestServer(t, billing, &recordingPublisher{})

	t.Run("資格情報が無い場合は401になること", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/patients", bytes.NewBufferString(`{"name":"x","registration_fee_cents":1}`))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})

	t.Run("期限切れのリクエストは504になること", func(t *testing.T) {
		header := http.Header{}
		header.Set(middleware.HeaderDeadline, middleware.FormatDeadline(time.Now().Add(-time.Second)))
		w, _ := register(t, s, `{"name":"x","registration_fee_cents":1}`, header)
		if w.Code != http.StatusGatewayTimeout {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusGatewayTimeout)
		}
	})

	t.Run("nameが無い場合は400になること", func(t *testing.T) {
		w, _ := register(t, s, `{"registration_fee_cents":1}`, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusBadRequest)
		}
	})

	t.Run("存在しない患者は404になること", func(t *testing.T) {
		if code := getJSON(t, s, "/patients/unknown", nil); code != http.StatusNotFound {
			t.Errorf("ステータスコード = %d, want %d", code, http.StatusNotFound)
		}
	})

	if charges, _ := billing.snapshot(); len(charges) != 0 {
		t.Errorf("課金呼び出し回数 = %d, want 0", len(charges))
	}
}

// TestRegister_PublishesToBroker は登録イベントがブローカーに届くことを検証する。
func TestRegister_PublishesToBroker(t *testing.T) {
	t.Parallel()

	sqlDB, err := database.OpenSQLite(database.MemoryDSN)
	if err != nil {
		t.Fatalf("インメモリDB接続に失敗: %v", err)
	}
	ctx := context.Background()
	if err := eventbus.Migrate(ctx, sqlDB, logger.Discard()); err != nil {
		t.Fatalf("Migrate()でエラーが発生: %v", err)
	}
	broker := eventbus.NewMemoryBroker(4)
	publisher, err := eventbus.NewPublisher(ctx, broker, sqlDB, eventbus.PublisherConfig{}, logger.Discard())
	if err != nil {
		t.Fatalf("NewPublisher()でエラーが発生: %v", err)
	}

	s, err := New(Options{
		Port:      "0",
		DB:        sqlDB,
		Billing:   &stubBilling{},
		Publisher: publisher,
		Validator: credential.NewValidator(credential.NewHMACKey([]byte(testSecret))),
	}, logger.Discard())
	if err != nil {
		t.Fatalf("New()でエラーが発生: %v", err)
	}
	s.closers = append(s.closers, publisher.Close)
	t.Cleanup(func() { _ = s.Close() })

	w, p := register(t, s, `{"name":"高橋","registration_fee_cents":2500}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusCreated)
	}

	partition := eventbus.PartitionFor(p.ID, broker.Partitions())
	deadline := time.Now().Add(3 * time.Second)
	for {
		records := broker.Records(partition)
		if len(records) == 1 {
			ev, err := event.Decode(records[0].Value)
			if err != nil {
				t.Fatalf("event.Decode()でエラーが発生: %v", err)
			}
			if ev.PartitionKey != p.ID || records[0].Key != p.ID {
				t.Errorf("パーティションキー = %q, want %q", ev.PartitionKey, p.ID)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("イベントがブローカーに届かない: %d件", len(records))
		}
		time.Sleep(10 * time.Millisecond)
	}
}
