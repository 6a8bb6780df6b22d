package machine

const (
	// MinMemSize leaves room below the default stack address for the page
	// tables, descriptor tables and guest code.
	MinMemSize = 1 << 25

	// DefaultMemSize is used when the configuration does not name one.
	DefaultMemSize = 1 << 27

	// DefaultDev is the KVM device node.
	DefaultDev = "/dev/kvm"

	// minVAddr is the lowest virtual address handed out for data pages,
	// minPAddr the lowest physical one.
	minVAddr = 0x2000
	minPAddr = 0x2000

	stackPages   = 5
	stackMinAddr = 0xab6000
)

const (
	// golangci-lint is completely wrong about these names.
	// Control Register Paging Enable for example:
	// golang style requires all letters in an acronym to be caps.
	// CR0 bits.
	CR0xPE = 1
	CR0xMP = (1 << 1)
	CR0xEM = (1 << 2)
	CR0xTS = (1 << 3)
	CR0xET = (1 << 4)
	CR0xNE = (1 << 5)
	CR0xWP = (1 << 16)
	CR0xAM = (1 << 18)
	CR0xNW = (1 << 29)
	CR0xCD = (1 << 30)
	CR0xPG = (1 << 31)

	// CR4 bits.
	CR4xVME        = 1
	CR4xPVI        = (1 << 1)
	CR4xTSD        = (1 << 2)
	CR4xDE         = (1 << 3)
	CR4xPSE        = (1 << 4)
	CR4xPAE        = (1 << 5)
	CR4xMCE        = (1 << 6)
	CR4xPGE        = (1 << 7)
	CR4xPCE        = (1 << 8)
	CR4xOSFXSR     = (1 << 9)
	CR4xOSXMMEXCPT = (1 << 10)
	CR4xUMIP       = (1 << 11)
	CR4xVMXE       = (1 << 13)
	CR4xSMXE       = (1 << 14)
	CR4xFSGSBASE   = (1 << 16)
	CR4xPCIDE      = (1 << 17)
	CR4xOSXSAVE    = (1 << 18)
	CR4xSMEP       = (1 << 20)
	CR4xSMAP       = (1 << 21)

	EFERxSCE = 1
	EFERxLME = (1 << 8)
	EFERxLMA = (1 << 10)
	EFERxNXE = (1 << 11)
)

// XSAVE permission requests, arch/x86/include/uapi/asm/prctl.h.
const (
	archGetXCompGuestPerm = 0x1024
	archReqXCompGuestPerm = 0x1025
)

// unrestrictedGuestParam is where kvm_intel exposes its
// unrestricted_guest module parameter.
var unrestrictedGuestParam = "/sys/module/kvm_intel/parameters/unrestricted_guest"
