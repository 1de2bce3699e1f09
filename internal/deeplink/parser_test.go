package deeplink

import (
	"testing"

	"github.com/hitoshi/linkconfirm/internal/model"
)

func TestParse_RecoveryLink_ReturnsRecoveryPayload(t *testing.T) {
	p := Parse("myapp://reset#access_token=AAA&refresh_token=BBB&type=recovery", Recovery)

	if p.Kind != model.KindRecovery {
		t.Fatalf("Kind = %q, want %q", p.Kind, model.KindRecovery)
	}
	if p.AccessToken != "AAA" {
		t.Errorf("AccessToken = %q, want %q", p.AccessToken, "AAA")
	}
	if p.RefreshToken != "BBB" {
		t.Errorf("RefreshToken = %q, want %q", p.RefreshToken, "BBB")
	}
	if p.ErrorDescription != "" {
		t.Errorf("ErrorDescription = %q, want empty", p.ErrorDescription)
	}
	if !p.WellFormed() {
		t.Error("expected payload to be well-formed")
	}
}

func TestParse_ErrorLink_ReturnsMalformedWithDescription(t *testing.T) {
	p := Parse("myapp://reset#error=access_denied&error_description=Link%20expired", Recovery)

	if p.Kind != model.KindMalformed {
		t.Fatalf("Kind = %q, want %q", p.Kind, model.KindMalformed)
	}
	if p.ErrorDescription != "Link expired" {
		t.Errorf("ErrorDescription = %q, want %q", p.ErrorDescription, "Link expired")
	}
	if p.ErrorCode != "access_denied" {
		t.Errorf("ErrorCode = %q, want %q", p.ErrorCode, "access_denied")
	}
	if p.AccessToken != "" || p.RefreshToken != "" {
		t.Error("error payload must not carry tokens")
	}
}

func TestParse_ErrorLinkWithErrorCode_PrefersErrorCode(t *testing.T) {
	p := Parse("myapp://reset#error=access_denied&error_code=otp_expired", Recovery)

	if p.ErrorCode != "otp_expired" {
		t.Errorf("ErrorCode = %q, want %q", p.ErrorCode, "otp_expired")
	}
	if p.ErrorDescription != Recovery.ErrorFallback {
		t.Errorf("ErrorDescription = %q, want fallback %q", p.ErrorDescription, Recovery.ErrorFallback)
	}
}

func TestParse_ErrorTakesPrecedenceOverTokens(t *testing.T) {
	p := Parse("myapp://reset#access_token=AAA&refresh_token=BBB&type=recovery&error=server_error", Recovery)

	if p.Kind != model.KindMalformed {
		t.Fatalf("Kind = %q, want %q", p.Kind, model.KindMalformed)
	}
}

func TestParse_MalformedCases(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want string
	}{
		{"no fragment", "myapp://reset", Recovery.NoLinkData},
		{"tokens in query only", "myapp://reset?access_token=AAA&refresh_token=BBB&type=recovery", Recovery.NoLinkData},
		{"missing refresh token", "myapp://reset#access_token=AAA&type=recovery", Recovery.NoLinkData},
		{"wrong type", "myapp://reset#access_token=AAA&refresh_token=BBB&type=signup", Recovery.NoLinkData},
		{"missing type", "myapp://reset#access_token=AAA&refresh_token=BBB", Recovery.NoLinkData},
		{"empty string", "", Recovery.NoLinkData},
		{"bad escape in fragment", "myapp://reset#access_token=%zz", invalidFormatDescription},
		{"control character", "myapp://re\x7fset#x", invalidFormatDescription},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Parse(tt.url, Recovery)
			if p.Kind != model.KindMalformed {
				t.Fatalf("Kind = %q, want %q", p.Kind, model.KindMalformed)
			}
			if p.ErrorDescription != tt.want {
				t.Errorf("ErrorDescription = %q, want %q", p.ErrorDescription, tt.want)
			}
		})
	}
}

func TestParse_VerificationFlow_AcceptsSignupType(t *testing.T) {
	p := Parse("myapp://verify-email#access_token=AAA&refresh_token=BBB&type=signup", Verification)

	if p.Kind != model.KindEmailVerification {
		t.Fatalf("Kind = %q, want %q", p.Kind, model.KindEmailVerification)
	}
}

func TestParse_CarriesSequenceTag(t *testing.T) {
	p := Parse("myapp://reset?t=1700000000#access_token=AAA&refresh_token=BBB&type=recovery", Recovery)

	if p.SequenceTag != 1700000000 {
		t.Errorf("SequenceTag = %d, want %d", p.SequenceTag, 1700000000)
	}
	if !p.HasSequenceTag() {
		t.Error("expected HasSequenceTag() to be true")
	}
}

func TestSequenceTag(t *testing.T) {
	tests := []struct {
		url  string
		want int64
	}{
		{"myapp://reset?t=9", 9},
		{"myapp://reset?x=1&t=42#a=b", 42},
		{"myapp://reset", 0},
		{"myapp://reset?t=abc", 0},
		{"myapp://reset?t=", 0},
		{"myapp://reset?t=99999999999999999999999", 0},
		{"myapp://reset?at=5", 0},
	}

	for _, tt := range tests {
		if got := SequenceTag(tt.url); got != tt.want {
			t.Errorf("SequenceTag(%q) = %d, want %d", tt.url, got, tt.want)
		}
	}
}

func TestFromNavigation(t *testing.T) {
	p, ok := FromNavigation("AAA", "BBB", Recovery)
	if !ok {
		t.Fatal("expected ok for complete token pair")
	}
	if p.Kind != model.KindRecovery || p.AccessToken != "AAA" || p.RefreshToken != "BBB" {
		t.Errorf("unexpected payload: %+v", p)
	}

	if _, ok := FromNavigation("AAA", "", Recovery); ok {
		t.Error("expected !ok when refresh token is missing")
	}
}

func TestFlow_Matches(t *testing.T) {
	tests := []struct {
		flow Flow
		url  string
		want bool
	}{
		{Recovery, "myapp://reset#access_token=AAA", true},
		{Recovery, "exp://127.0.0.1:8081/--/(auth)/reset-password#x=y", true},
		{Recovery, "myapp://verify-email#type=recovery", false},
		{Recovery, "myapp://home#reset", false},
		{Verification, "myapp://verify-email#access_token=AAA", true},
		{Verification, "myapp://movie/42", false},
	}

	for _, tt := range tests {
		if got := tt.flow.Matches(tt.url); got != tt.want {
			t.Errorf("%s.Matches(%q) = %v, want %v", tt.flow.Name, tt.url, got, tt.want)
		}
	}
}

func TestFlow_WithMarkers(t *testing.T) {
	f := Recovery.WithMarkers(" Password-Reset ", "")
	if !f.Matches("myapp://password-reset#x") {
		t.Error("expected custom marker to match")
	}
	if f.Matches("myapp://reset-password#x") {
		t.Error("expected default markers to be replaced")
	}

	if same := Recovery.WithMarkers("", " "); len(same.Markers) != len(Recovery.Markers) {
		t.Error("expected blank markers to keep defaults")
	}
}

func TestFlowByName(t *testing.T) {
	if f, ok := FlowByName("recovery"); !ok || f.Kind != model.KindRecovery {
		t.Errorf("FlowByName(recovery) = %+v, %v", f, ok)
	}
	if f, ok := FlowByName("Verification"); !ok || f.Kind != model.KindEmailVerification {
		t.Errorf("FlowByName(Verification) = %+v, %v", f, ok)
	}
	if _, ok := FlowByName("login"); ok {
		t.Error("expected unknown flow to be rejected")
	}
}
