package hci

import "github.com/pkg/errors"

// Status is an HCI error code [Vol 1, Part F]. It is returned in command
// completions and events, and implements error so that engines can hand a
// code around unchanged until it reaches the host.
type Status byte

// Status codes used by the controller.
const (
	StatusSuccess                          Status = 0x00
	StatusUnknownCommand                   Status = 0x01
	StatusUnknownConnectionID              Status = 0x02
	StatusHardwareFailure                  Status = 0x03
	StatusPINOrKeyMissing                  Status = 0x06
	StatusMemoryCapacityExceeded           Status = 0x07
	StatusConnectionTimeout                Status = 0x08
	StatusConnectionLimitExceeded          Status = 0x09
	StatusACLConnectionExists              Status = 0x0B
	StatusCommandDisallowed                Status = 0x0C
	StatusUnsupportedFeature               Status = 0x11
	StatusInvalidParameters                Status = 0x12
	StatusRemoteUserTerminated             Status = 0x13
	StatusLocalHostTerminated              Status = 0x16
	StatusUnsupportedRemoteFeature         Status = 0x1A
	StatusInvalidLLParameters              Status = 0x1E
	StatusUnspecified                      Status = 0x1F
	StatusUnsupportedLLParameterValue      Status = 0x20
	StatusLLResponseTimeout                Status = 0x22
	StatusLLProcedureCollision             Status = 0x23
	StatusInstantPassed                    Status = 0x28
	StatusDifferentTransactionCollision    Status = 0x2A
	StatusControllerBusy                   Status = 0x3A
	StatusUnacceptableConnectionParameters Status = 0x3B
	StatusMICFailure                       Status = 0x3D
	StatusConnectionFailedToBeEstablished  Status = 0x3E
)

func (s Status) Error() string {
	if str, ok := statusText[s]; ok {
		return str
	}
	// A host treats codes it does not understand as Unspecified Error.
	return statusText[StatusUnspecified]
}

// Err returns nil for StatusSuccess and s otherwise.
func (s Status) Err() error {
	if s == StatusSuccess {
		return nil
	}
	return s
}

// StatusOf extracts the status carried by err. Errors that are not a
// Status map to StatusUnspecified.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	if s, ok := errors.Cause(err).(Status); ok {
		return s
	}
	return StatusUnspecified
}

var statusText = map[Status]string{
	0x00: "Success",
	0x01: "Unknown HCI Command",
	0x02: "Unknown Connection Identifier",
	0x03: "Hardware Failure",
	0x06: "PIN or Key Missing",
	0x07: "Memory Capacity Exceeded",
	0x08: "Connection Timeout",
	0x09: "Connection Limit Exceeded",
	0x0B: "ACL Connection Already Exists",
	0x0C: "Command Disallowed",
	0x11: "Unsupported Feature or Parameter Value",
	0x12: "Invalid HCI Command Parameters",
	0x13: "Remote User Terminated Connection",
	0x16: "Connection Terminated By Local Host",
	0x1A: "Unsupported Remote Feature",
	0x1E: "Invalid LL Parameters",
	0x1F: "Unspecified Error",
	0x20: "Unsupported LL Parameter Value",
	0x22: "LL Response Timeout",
	0x23: "LL Procedure Collision",
	0x28: "Instant Passed",
	0x2A: "Different Transaction Collision",
	0x3A: "Controller Busy",
	0x3B: "Unacceptable Connection Parameters",
	0x3D: "Connection Terminated due to MIC Failure",
	0x3E: "Connection Failed to be Established",
}
