package kvm

import "fmt"

// Capability is a KVM_CAP_* number, queried with CheckExtension.
type Capability uint

const (
	CapIRQChip                Capability = 0
	CapUserMemory             Capability = 3
	CapSetTSSAddr             Capability = 4
	CapEXTCPUID               Capability = 7
	CapNRMemSlots             Capability = 10
	CapMPState                Capability = 14
	CapCoalescedMMIO          Capability = 15
	CapIOMMU                  Capability = 18
	CapUserNMI                Capability = 22
	CapSetGuestDebug          Capability = 23
	CapReinjectControl        Capability = 24
	CapIRQRouting             Capability = 25
	CapMCE                    Capability = 31
	CapIRQFD                  Capability = 32
	CapPIT2                   Capability = 33
	CapSetBootCPUID           Capability = 34
	CapPITState2              Capability = 35
	CapIOEventFD              Capability = 36
	CapSetIdentityMapAddr     Capability = 37
	CapAdjustClock            Capability = 39
	CapVCPUEvents             Capability = 41
	CapINTRShadow             Capability = 49
	CapDebugRegs              Capability = 50
	CapEnableCap              Capability = 54
	CapXSave                  Capability = 55
	CapXCRS                   Capability = 56
	CapTSCControl             Capability = 60
	CapONEREG                 Capability = 70
	CapKVMClockCtrl           Capability = 76
	CapSignalMSI              Capability = 77
	CapDeviceCtrl             Capability = 89
	CapEXTEmulCPUID           Capability = 95
	CapVMAttributes           Capability = 101
	CapX86SMM                 Capability = 117
	CapX86DisableExits        Capability = 143
	CapGETMSRFeatures         Capability = 153
	CapNestedState            Capability = 157
	CapCoalescedPIO           Capability = 162
	CapHypervCPUID            Capability = 167
	CapManualDirtyLogProtect2 Capability = 168
	CapPMUEventFilter         Capability = 173
	CapX86UserSpaceMSR        Capability = 188
	CapX86MSRFilter           Capability = 189
	CapSysHypervCPUID         Capability = 191
	CapX86BusLockExit         Capability = 193
	CapSREGS2                 Capability = 200
	CapBinaryStatsFD          Capability = 203
	CapXSave2                 Capability = 208
	CapSysAttributes          Capability = 209
	CapVMTSCControl           Capability = 214
	CapX86TripleFaultEvent    Capability = 218
	CapX86NotifyVMExit        Capability = 219
)

var capNames = map[Capability]string{
	CapIRQChip:                "CapIRQChip",
	CapUserMemory:             "CapUserMemory",
	CapSetTSSAddr:             "CapSetTSSAddr",
	CapEXTCPUID:               "CapEXTCPUID",
	CapNRMemSlots:             "CapNRMemSlots",
	CapMPState:                "CapMPState",
	CapCoalescedMMIO:          "CapCoalescedMMIO",
	CapIOMMU:                  "CapIOMMU",
	CapUserNMI:                "CapUserNMI",
	CapSetGuestDebug:          "CapSetGuestDebug",
	CapReinjectControl:        "CapReinjectControl",
	CapIRQRouting:             "CapIRQRouting",
	CapMCE:                    "CapMCE",
	CapIRQFD:                  "CapIRQFD",
	CapPIT2:                   "CapPIT2",
	CapSetBootCPUID:           "CapSetBootCPUID",
	CapPITState2:              "CapPITState2",
	CapIOEventFD:              "CapIOEventFD",
	CapSetIdentityMapAddr:     "CapSetIdentityMapAddr",
	CapAdjustClock:            "CapAdjustClock",
	CapVCPUEvents:             "CapVCPUEvents",
	CapINTRShadow:             "CapINTRShadow",
	CapDebugRegs:              "CapDebugRegs",
	CapEnableCap:              "CapEnableCap",
	CapXSave:                  "CapXSave",
	CapXCRS:                   "CapXCRS",
	CapTSCControl:             "CapTSCControl",
	CapONEREG:                 "CapONEREG",
	CapKVMClockCtrl:           "CapKVMClockCtrl",
	CapSignalMSI:              "CapSignalMSI",
	CapDeviceCtrl:             "CapDeviceCtrl",
	CapEXTEmulCPUID:           "CapEXTEmulCPUID",
	CapVMAttributes:           "CapVMAttributes",
	CapX86SMM:                 "CapX86SMM",
	CapX86DisableExits:        "CapX86DisableExits",
	CapGETMSRFeatures:         "CapGETMSRFeatures",
	CapNestedState:            "CapNestedState",
	CapCoalescedPIO:           "CapCoalescedPIO",
	CapHypervCPUID:            "CapHypervCPUID",
	CapManualDirtyLogProtect2: "CapManualDirtyLogProtect2",
	CapPMUEventFilter:         "CapPMUEventFilter",
	CapX86UserSpaceMSR:        "CapX86UserSpaceMSR",
	CapX86MSRFilter:           "CapX86MSRFilter",
	CapSysHypervCPUID:         "CapSysHypervCPUID",
	CapX86BusLockExit:         "CapX86BusLockExit",
	CapSREGS2:                 "CapSREGS2",
	CapBinaryStatsFD:          "CapBinaryStatsFD",
	CapXSave2:                 "CapXSave2",
	CapSysAttributes:          "CapSysAttributes",
	CapVMTSCControl:           "CapVMTSCControl",
	CapX86TripleFaultEvent:    "CapX86TripleFaultEvent",
	CapX86NotifyVMExit:        "CapX86NotifyVMExit",
}

func (c Capability) String() string {
	if s, ok := capNames[c]; ok {
		return s
	}

	return fmt.Sprintf("Capability(%d)", uint(c))
}

// X86Capabilities is the set of capabilities reported by the probe
// command, in ascending order.
func X86Capabilities() []Capability {
	return []Capability{
		CapIRQChip, CapUserMemory, CapSetTSSAddr, CapEXTCPUID, CapNRMemSlots,
		CapMPState, CapCoalescedMMIO, CapIOMMU, CapUserNMI, CapSetGuestDebug,
		CapReinjectControl, CapIRQRouting, CapMCE, CapIRQFD, CapPIT2,
		CapSetBootCPUID, CapPITState2, CapIOEventFD, CapSetIdentityMapAddr,
		CapAdjustClock, CapVCPUEvents, CapINTRShadow, CapDebugRegs, CapEnableCap,
		CapXSave, CapXCRS, CapTSCControl, CapONEREG, CapKVMClockCtrl,
		CapSignalMSI, CapDeviceCtrl, CapEXTEmulCPUID, CapVMAttributes, CapX86SMM,
		CapX86DisableExits, CapGETMSRFeatures, CapNestedState, CapCoalescedPIO,
		CapHypervCPUID, CapManualDirtyLogProtect2, CapPMUEventFilter,
		CapX86UserSpaceMSR, CapX86MSRFilter, CapSysHypervCPUID, CapX86BusLockExit,
		CapSREGS2, CapBinaryStatsFD, CapXSave2, CapSysAttributes,
		CapVMTSCControl, CapX86TripleFaultEvent, CapX86NotifyVMExit,
	}
}
