package confirm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hitoshi/linkconfirm/internal/deeplink"
	"github.com/hitoshi/linkconfirm/internal/model"
)

func TestCredentialForm_Validate(t *testing.T) {
	tests := []struct {
		name      string
		form      CredentialForm
		wantField string
		wantMsg   string
	}{
		{"both empty", CredentialForm{}, "new_password", msgFieldsRequired},
		{"confirm empty", CredentialForm{NewValue: "longenough1"}, "confirm_password", msgFieldsRequired},
		{"new empty", CredentialForm{ConfirmValue: "longenough1"}, "new_password", msgFieldsRequired},
		{"too short", CredentialForm{NewValue: "short", ConfirmValue: "short"}, "new_password", msgPasswordTooShort},
		{"mismatch", CredentialForm{NewValue: "longenough1", ConfirmValue: "longenough2"}, "confirm_password", msgPasswordMismatch},
		{"multibyte counted as characters", CredentialForm{NewValue: "パスワード", ConfirmValue: "パスワード"}, "new_password", msgPasswordTooShort},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fe := tt.form.Validate()
			if fe == nil {
				t.Fatal("expected field error")
			}
			if fe.Field != tt.wantField || fe.Message != tt.wantMsg {
				t.Errorf("expected %s/%q, got %s/%q", tt.wantField, tt.wantMsg, fe.Field, fe.Message)
			}
		})
	}

	if fe := (CredentialForm{NewValue: "12345678", ConfirmValue: "12345678"}).Validate(); fe != nil {
		t.Errorf("expected exactly 8 characters to be valid, got %v", fe)
	}
}

func TestSubmit_RejectedUnlessReady(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	states := map[model.ConfirmationStatus]func(o *Orchestrator, b *mockBackend){
		model.StatusIdle: func(*Orchestrator, *mockBackend) {},
		model.StatusConfirming: func(o *Orchestrator, b *mockBackend) {
			b.exchangeFn = func(context.Context, string, string) (*model.Session, error) {
				<-release
				return nil, errors.New("released")
			}
			o.Dispatch(recoveryPayload("AAA", "BBB", 0), model.SourceEvent)
		},
		model.StatusError: func(o *Orchestrator, _ *mockBackend) {
			o.Deliver(context.Background(), model.LinkPayload{Kind: model.KindMalformed, ErrorDescription: "bad"}, model.SourceEvent)
		},
	}
	forms := []CredentialForm{
		{NewValue: "longenough1", ConfirmValue: "longenough1"},
		{NewValue: "12345678", ConfirmValue: "12345678"},
		{NewValue: "a much longer passphrase", ConfirmValue: "a much longer passphrase"},
	}

	for status, setup := range states {
		for _, form := range forms {
			backend := newMockBackend()
			o := newTestOrchestrator(t, backend, Config{})
			setup(o, backend)
			if got := o.State().Status; got != status {
				t.Fatalf("setup: expected %s, got %s", status, got)
			}

			_, err := o.Submit(context.Background(), form)

			var fe *FieldError
			if !errors.As(err, &fe) || fe.Message != recoveryMessages.NotReady {
				t.Errorf("%s: expected not ready field error, got %v", status, err)
			}
			if got := len(backend.updates()); got != 0 {
				t.Errorf("%s: backend must not be called, got %d calls", status, got)
			}
		}
	}
}

func TestSubmit_InvalidFormNeverReachesBackend(t *testing.T) {
	backend := newMockBackend()
	o := newTestOrchestrator(t, backend, Config{})
	o.Deliver(context.Background(), recoveryPayload("AAA", "BBB", 0), model.SourceEvent)

	_, err := o.Submit(context.Background(), CredentialForm{NewValue: "longenough1", ConfirmValue: "longenough2"})

	var fe *FieldError
	if !errors.As(err, &fe) || fe.Field != "confirm_password" {
		t.Errorf("expected confirm_password field error, got %v", err)
	}
	if got := len(backend.updates()); got != 0 {
		t.Errorf("backend must not be called, got %d calls", got)
	}
	if s := o.State(); s.Status != model.StatusReady {
		t.Errorf("expected state to remain ready, got %s", s.Status)
	}
}

func TestSubmit_BackendMessageShownVerbatim(t *testing.T) {
	backend := newMockBackend()
	backend.updateFn = func(context.Context, *model.Session, string) error {
		return &model.BackendError{StatusCode: 422, Code: "same_password", Message: "New password should be different from the old password."}
	}
	o := newTestOrchestrator(t, backend, Config{})
	o.Deliver(context.Background(), recoveryPayload("AAA", "BBB", 0), model.SourceEvent)

	_, err := o.Submit(context.Background(), CredentialForm{NewValue: "longenough1", ConfirmValue: "longenough1"})

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Code != model.ErrCodeBackendRejected {
		t.Errorf("expected %s, got %s", model.ErrCodeBackendRejected, apiErr.Code)
	}
	if apiErr.Message != "New password should be different from the old password." {
		t.Errorf("expected backend message verbatim, got %q", apiErr.Message)
	}
	snap := o.Snapshot()
	if snap.Status != model.StatusReady || !snap.FormEnabled {
		t.Errorf("expected form to stay enabled for correction, got %+v", snap)
	}
}

func TestSubmit_TransientFailure(t *testing.T) {
	backend := newMockBackend()
	backend.updateFn = func(context.Context, *model.Session, string) error {
		return &model.BackendError{StatusCode: 502, Message: "Bad Gateway"}
	}
	o := newTestOrchestrator(t, backend, Config{})
	o.Deliver(context.Background(), recoveryPayload("AAA", "BBB", 0), model.SourceEvent)

	_, err := o.Submit(context.Background(), CredentialForm{NewValue: "longenough1", ConfirmValue: "longenough1"})

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeBackendFailure {
		t.Errorf("expected %s, got %v", model.ErrCodeBackendFailure, err)
	}
}

func TestSubmit_Success(t *testing.T) {
	backend := newMockBackend()
	o := newTestOrchestrator(t, backend, Config{RedirectDelay: 1500 * time.Millisecond})
	ctx := context.Background()
	o.Deliver(ctx, recoveryPayload("AAA", "BBB", 3), model.SourceEvent)

	res, err := o.Submit(ctx, CredentialForm{NewValue: "longenough1", ConfirmValue: "longenough1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.RedirectTo != "/login" || res.RedirectAfter != 1500*time.Millisecond {
		t.Errorf("unexpected redirect: %+v", res)
	}

	if s := waitSignOut(t, backend); s.AccessToken != "AAA" {
		t.Errorf("expected session to be signed out after update, got %+v", s)
	}
	snap := o.Snapshot()
	if !snap.Completed || snap.FormEnabled || snap.Status != model.StatusIdle {
		t.Errorf("unexpected snapshot after completion: %+v", snap)
	}
	if snap.Message != recoveryMessages.Completed {
		t.Errorf("unexpected message: %q", snap.Message)
	}

	// ガードが初期化されるため同じリンクを再度処理できる
	if d := o.Deliver(ctx, recoveryPayload("AAA", "BBB", 3), model.SourceEvent); d != DecisionAccepted {
		t.Errorf("expected guard to be cleared after completion, got %s", d)
	}
}

func TestSubmit_RefusedOnVerificationFlow(t *testing.T) {
	backend := newMockBackend()
	o := NewOrchestrator("screen-1", deeplink.Verification, Config{}, Deps{Backend: backend})
	defer o.Close()

	o.Deliver(context.Background(), model.LinkPayload{
		Kind:         model.KindEmailVerification,
		AccessToken:  "AAA",
		RefreshToken: "BBB",
	}, model.SourceEvent)

	snap := o.Snapshot()
	if snap.Status != model.StatusReady || snap.Message != verificationMessages.Ready {
		t.Fatalf("expected verified, got %+v", snap)
	}
	if snap.FormEnabled {
		t.Error("verification flow must not enable the password form")
	}

	_, err := o.Submit(context.Background(), CredentialForm{NewValue: "longenough1", ConfirmValue: "longenough1"})
	var fe *FieldError
	if !errors.As(err, &fe) {
		t.Errorf("expected field error, got %v", err)
	}
	if got := len(backend.updates()); got != 0 {
		t.Errorf("backend must not be called, got %d calls", got)
	}
}
