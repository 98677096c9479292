package backends

import (
	"context"
	"errors"
	"testing"

	"github.com/tengil/tengil/pkg/engine"
)

func TestVerifyAfterFailure(t *testing.T) {
	tests := []struct {
		name      string
		createErr string
		exists    bool
		wantErr   bool
		wantNote  bool
	}{
		{name: "success passes through"},
		{name: "failure with container present", createErr: "exit 255", exists: true, wantNote: true},
		{name: "failure without container", createErr: "exit 255", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newFakeRunner()
			if tt.createErr != "" {
				r.responses["pct create 101 local:vztmpl/t --hostname a --rootfs local-lvm:8 --net0 name=eth0,bridge=vmbr0,ip=dhcp --unprivileged 1 --description tengil:kind=template;template=t"] =
					fakeResponse{err: errors.New(tt.createErr)}
			}
			if !tt.exists {
				r.fail("pct status 101", 2, "does not exist")
			}

			driver := VerifyAfterFailure(NewPCT(engine.ContainerKindTemplate, r, PCTConfig{}, nil))
			res, err := driver.Create(context.Background(), &engine.Container{
				ID: 101, Name: "a", Kind: engine.ContainerKindTemplate, Template: "t",
			})

			if tt.wantErr {
				if err == nil {
					t.Fatal("Expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if !res.Changed {
				t.Error("Expected change")
			}
			if (res.Note != "") != tt.wantNote {
				t.Errorf("Expected note=%v, got %q", tt.wantNote, res.Note)
			}
		})
	}
}

func TestVerifyAfterFailure_NotDoubleWrapped(t *testing.T) {
	d := VerifyAfterFailure(NewPCT(engine.ContainerKindImage, newFakeRunner(), PCTConfig{}, nil))
	if VerifyAfterFailure(d) != d {
		t.Error("Expected wrapping to be idempotent")
	}
	if d.Kind() != engine.ContainerKindImage {
		t.Errorf("Expected wrapped kind, got %s", d.Kind())
	}
}
