package kvm

import (
	"errors"
	"fmt"
)

var (
	// ErrUnexpectedExitReason is any error that we do not understand.
	ErrUnexpectedExitReason = errors.New("unexpected kvm exit reason")

	// ErrDebug is a debug exit, caused by single step or breakpoint.
	ErrDebug = errors.New("debug exit")
)

// ExitType is a virtual machine exit type.
type ExitType uint

const (
	EXITUNKNOWN       ExitType = 0
	EXITEXCEPTION     ExitType = 1
	EXITIO            ExitType = 2
	EXITHYPERCALL     ExitType = 3
	EXITDEBUG         ExitType = 4
	EXITHLT           ExitType = 5
	EXITMMIO          ExitType = 6
	EXITIRQWINDOWOPEN ExitType = 7
	EXITSHUTDOWN      ExitType = 8
	EXITFAILENTRY     ExitType = 9
	EXITINTR          ExitType = 10
	EXITSETTPR        ExitType = 11
	EXITTPRACCESS     ExitType = 12
	EXITS390SIEIC     ExitType = 13
	EXITS390RESET     ExitType = 14
	EXITDCR           ExitType = 15
	EXITNMI           ExitType = 16
	EXITINTERNALERROR ExitType = 17

	EXITIOIN  = 0
	EXITIOOUT = 1
)

var exitNames = [...]string{
	"EXITUNKNOWN", "EXITEXCEPTION", "EXITIO", "EXITHYPERCALL", "EXITDEBUG",
	"EXITHLT", "EXITMMIO", "EXITIRQWINDOWOPEN", "EXITSHUTDOWN", "EXITFAILENTRY",
	"EXITINTR", "EXITSETTPR", "EXITTPRACCESS", "EXITS390SIEIC", "EXITS390RESET",
	"EXITDCR", "EXITNMI", "EXITINTERNALERROR",
}

func (e ExitType) String() string {
	if int(e) < len(exitNames) {
		return exitNames[e]
	}

	return fmt.Sprintf("ExitType(%d)", uint(e))
}
