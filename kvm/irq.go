package kvm

// CreateIRQChip creates the in-kernel PIC, IOAPIC and a local APIC for
// every vCPU created afterwards.
func CreateIRQChip(vmFd uintptr) error {
	_, err := Ioctl(vmFd, IIO(kvmCreateIRQChip), 0)

	return err
}
