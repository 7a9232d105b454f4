package scsi

// SCSI opcodes used by this package. Sense codes are listed at
// www.t10.org/lists/asc-num.txt.
const (
	Read6    = 0x08
	Write6   = 0x0a
	Read10   = 0x28
	Write10  = 0x2a
	Read12   = 0xa8
	Write12  = 0xaa
	Read16   = 0x88
	Write16  = 0x8a
	ReadLong = 0x3e
)

// SAM status codes, from SAM-3 T10/1561-D.
const (
	StatusGood                = 0x00
	StatusCheckCondition      = 0x02
	StatusConditionMet        = 0x04
	StatusBusy                = 0x08
	StatusReservationConflict = 0x18
	StatusTaskSetFull         = 0x28
	StatusTaskAborted         = 0x40
)

// Sense keys.
const (
	SenseNoSense        = 0x00
	SenseRecoveredError = 0x01
	SenseNotReady       = 0x02
	SenseMediumError    = 0x03
	SenseHardwareError  = 0x04
	SenseIllegalRequest = 0x05
	SenseUnitAttention  = 0x06
	SenseDataProtect    = 0x07
	SenseAbortedCommand = 0x0b
	SenseVolumeOverflow = 0x0d
	SenseMiscompare     = 0x0e
)

// Additional sense codes relevant to classification.
const (
	AscInvalidOpcode     = 0x20
	AscInvalidFieldInCdb = 0x24
	AscMediumChanged     = 0x28
	AscPowerOnOrReset    = 0x29
	AscReadError         = 0x11
)

// Sense response codes (low 7 bits of byte 0).
const (
	SenseFixedCurrent       = 0x70
	SenseFixedDeferred      = 0x71
	SenseDescriptorCurrent  = 0x72
	SenseDescriptorDeferred = 0x73
)

// Sense data descriptor types (SPC descriptor format).
const (
	DescInformation      = 0x00
	DescCommandSpecific  = 0x01
	DescSenseKeySpecific = 0x02
	DescFieldReplaceable = 0x03
	DescBlockCommands    = 0x05
)

// Host adapter status codes as reported by the Linux SCSI midlayer.
const (
	DidOK        = 0x00
	DidNoConnect = 0x01
	DidBusBusy   = 0x02
	DidTimeOut   = 0x03
	DidBadTarget = 0x04
	DidAbort     = 0x05
	DidParity    = 0x06
	DidError     = 0x07
	DidReset     = 0x08
	DidSoftError = 0x0b
)

// Driver status: sense data accompanies the response.
const DriverSense = 0x08
