package kvm_test

import (
	"os"
	"testing"

	"github.com/bobuhiro11/kvmguest/kvm"
)

func TestIoctlEINTRRetry(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skipf(
			"Skipping test since we are not root",
		)
	}

	t.Parallel()

	devKVM, err := os.OpenFile(
		"/dev/kvm", os.O_RDWR, 0o644,
	)
	if err != nil {
		t.Fatal(err)
	}

	defer devKVM.Close()

	// KVM_GET_API_VERSION exercises the Ioctl retry loop.
	// It must succeed despite the EINTR-retry wrapper.
	_, err = kvm.GetAPIVersion(devKVM.Fd())
	if err != nil {
		t.Fatalf("GetAPIVersion failed: %v", err)
	}
}

func TestIoctlEncoding(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{name: "Run", got: kvm.IIO(0x80), want: 0xAE80},
		{name: "GetRegs", got: kvm.IIOR(0x81, 144), want: 0x8090AE81},
		{name: "SetRegs", got: kvm.IIOW(0x82, 144), want: 0x4090AE82},
		{name: "GetSupportedCPUID", got: kvm.IIOWR(0x05, 8), want: 0xC008AE05},
		{name: "SetUserMemoryRegion", got: kvm.IIOW(0x46, 32), want: 0x4020AE46},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if tt.got != tt.want {
				t.Fatalf("request: got %#x, want %#x", tt.got, tt.want)
			}
		})
	}
}
