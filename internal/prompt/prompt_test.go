package prompt

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/charmbracelet/huh"

	"github.com/flemzord/agentgate/internal/descriptor"
	"github.com/flemzord/agentgate/internal/policy"
	"github.com/flemzord/agentgate/internal/trust"
)

func sampleContext() policy.ConfirmationContext {
	return policy.ConfirmationContext{
		DecisionID: "d-1",
		Tool:       "kubectl",
		Version:    "1.30.2",
		Command:    []string{"delete"},
		Args:       []string{"pod", "web-0"},
		Trust:      &descriptor.TrustMetadata{Source: descriptor.SourceVendor},
		Verdict:    trust.Result{Level: trust.Unverified, Reason: "signature unavailable", Degraded: true},
		Reasons: []policy.Violation{
			{Kind: policy.KindDestructive, Reason: "command is destructive"},
			{Kind: policy.KindNetwork, Reason: "command uses the network"},
		},
	}
}

func TestDescribe(t *testing.T) {
	t.Parallel()

	got := Describe(sampleContext())
	for _, want := range []string{
		"kubectl 1.30.2",
		"pod web-0",
		"UNVERIFIED (degraded), signature unavailable",
		"vendor",
		"[destructive] command is destructive",
		"[network] command uses the network",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("description missing %q:\n%s", want, got)
		}
	}
	if title := Title(sampleContext()); !strings.Contains(title, `"kubectl delete"`) || !strings.Contains(title, "2 policy") {
		t.Errorf("Title = %q", title)
	}
}

func TestConfirm(t *testing.T) {
	t.Parallel()

	boom := errors.New("terminal gone")
	tests := []struct {
		name    string
		answer  bool
		err     error
		want    bool
		wantErr bool
	}{
		{name: "approved", answer: true, want: true},
		{name: "denied", answer: false, want: false},
		{name: "aborted is a denial", err: huh.ErrUserAborted, want: false},
		{name: "failure", err: boom, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var gotDesc string
			c := New(Config{})
			c.ask = func(_ context.Context, _, desc string) (bool, error) {
				gotDesc = desc
				return tt.answer, tt.err
			}
			ok, err := c.Confirm(context.Background(), sampleContext())
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if ok != tt.want {
				t.Errorf("approved = %v, want %v", ok, tt.want)
			}
			if !strings.Contains(gotDesc, "kubectl") {
				t.Errorf("description not passed to the form: %q", gotDesc)
			}
		})
	}
}
