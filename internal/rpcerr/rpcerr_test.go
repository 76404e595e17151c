package rpcerr

import "testing"

func TestTransientClassification(t *testing.T) {
	transient := []Code{BackendUnavailable, RateLimited, ServiceUnavailable}
	for _, c := range transient {
		if !c.Transient() {
			t.Errorf("expected %v to be transient", c)
		}
		if c.Permanent() {
			t.Errorf("expected %v to not be permanent", c)
		}
	}
}

func TestPermanentClassification(t *testing.T) {
	permanent := []Code{CapabilityUnsupported, AuthFailed, InvalidParams, InvalidRequest}
	for _, c := range permanent {
		if !c.Permanent() {
			t.Errorf("expected %v to be permanent", c)
		}
		if c.Transient() {
			t.Errorf("expected %v to not be transient", c)
		}
	}
}

func TestErrorImplementsError(t *testing.T) {
	var err error = New(InternalError, "boom")
	if err.Error() != "boom" {
		t.Fatalf("expected message 'boom', got %q", err.Error())
	}
}

func TestWithData(t *testing.T) {
	e := WithData(BackendError, "upstream failed", map[string]string{"backend": "anthropic"})
	if e.Data == nil {
		t.Fatalf("expected data to be set")
	}
}
