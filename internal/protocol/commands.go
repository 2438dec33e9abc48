package protocol

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// Command is the single-byte identifier naming a request or response.
type Command byte

// Command identifiers understood by the arm controller firmware.
const (
	Undefined             Command = 0x00
	PowerOn               Command = 0x10
	PowerOff              Command = 0x11
	IsPoweredOn           Command = 0x12
	ReleaseAllServos      Command = 0x13
	IsControllerConnected Command = 0x14
	ReadNextError         Command = 0x15
	SetFreshMode          Command = 0x16
	SetFreeMoveMode       Command = 0x1A
	IsFreeMoveMode        Command = 0x1B

	GetAngles       Command = 0x20
	WriteAngle      Command = 0x21
	WriteAngles     Command = 0x22
	GetCoords       Command = 0x23
	WriteCoord      Command = 0x24
	WriteCoords     Command = 0x25
	ProgramPause    Command = 0x26
	IsProgramPaused Command = 0x27
	ProgramResume   Command = 0x28
	TaskStop        Command = 0x29
	IsInPosition    Command = 0x2A
	CheckRunning    Command = 0x2B

	JogAngle         Command = 0x30
	JogAbsolute      Command = 0x31
	JogCoord         Command = 0x32
	SendJogIncrement Command = 0x33
	JogStop          Command = 0x34

	SetEncoder  Command = 0x3A
	SetEncoders Command = 0x3C
	GetEncoders Command = 0x3D

	GetSpeed         Command = 0x40
	SetSpeed         Command = 0x41
	GetFeedOverride  Command = 0x42
	SendFeedOverride Command = 0x43
	GetAcceleration  Command = 0x44
	SetAcceleration  Command = 0x45
	GetJointMin      Command = 0x4A
	GetJointMax      Command = 0x4B
	SetJointMin      Command = 0x4C
	SetJointMax      Command = 0x4D

	IsServoEnabled      Command = 0x50
	IsAllServoEnabled   Command = 0x51
	SetServoData        Command = 0x52
	GetServoData        Command = 0x53
	SetServoCalibration Command = 0x54
	JointBrake          Command = 0x55
	FocusServo          Command = 0x57

	SetDigitalOut   Command = 0x61
	GetDigitalIn    Command = 0x62
	GripperMode     Command = 0x63
	SetGripperState Command = 0x66
	SetLedRgb       Command = 0x6A

	SetBasicOut Command = 0xA0
	GetBasicIn  Command = 0xA1

	GetServoSpeeds   Command = 0xE1
	GetServoCurrents Command = 0xE2
	GetServoVoltages Command = 0xE3
	GetServoStatus   Command = 0xE4
	GetServoTemps    Command = 0xE5
)

// ResponseSize is the declared payload length range of a command's response.
// Fire-and-forget commands declare {0, 0}.
type ResponseSize struct {
	Min int
	Max int
}

// KnownCommands lists every identifier the table must describe.
var KnownCommands = []Command{
	Undefined, PowerOn, PowerOff, IsPoweredOn, ReleaseAllServos,
	IsControllerConnected, ReadNextError, SetFreshMode, SetFreeMoveMode, IsFreeMoveMode,
	GetAngles, WriteAngle, WriteAngles, GetCoords, WriteCoord, WriteCoords,
	ProgramPause, IsProgramPaused, ProgramResume, TaskStop, IsInPosition, CheckRunning,
	JogAngle, JogAbsolute, JogCoord, SendJogIncrement, JogStop,
	SetEncoder, SetEncoders, GetEncoders,
	GetSpeed, SetSpeed, GetFeedOverride, SendFeedOverride, GetAcceleration, SetAcceleration,
	GetJointMin, GetJointMax, SetJointMin, SetJointMax,
	IsServoEnabled, IsAllServoEnabled, SetServoData, GetServoData, SetServoCalibration,
	JointBrake, FocusServo,
	SetDigitalOut, GetDigitalIn, GripperMode, SetGripperState, SetLedRgb,
	SetBasicOut, GetBasicIn,
	GetServoSpeeds, GetServoCurrents, GetServoVoltages, GetServoStatus, GetServoTemps,
}

// responseSizes maps each known command to its response length.
var responseSizes = map[Command]ResponseSize{
	Undefined:             {0, 0},
	PowerOn:               {0, 0},
	PowerOff:              {0, 0},
	IsPoweredOn:           {1, 1},
	ReleaseAllServos:      {0, 0},
	IsControllerConnected: {1, 1},
	ReadNextError:         {0, 0},
	SetFreshMode:          {0, 0},
	SetFreeMoveMode:       {0, 0},
	IsFreeMoveMode:        {1, 1},

	GetAngles:       {12, 12},
	WriteAngle:      {0, 0},
	WriteAngles:     {0, 0},
	GetCoords:       {12, 12},
	WriteCoord:      {0, 0},
	WriteCoords:     {0, 0},
	ProgramPause:    {0, 0},
	IsProgramPaused: {1, 1},
	ProgramResume:   {0, 0},
	TaskStop:        {0, 0},
	IsInPosition:    {1, 1},
	CheckRunning:    {1, 1},

	JogAngle:         {0, 0},
	JogAbsolute:      {0, 0},
	JogCoord:         {0, 0},
	SendJogIncrement: {0, 0},
	JogStop:          {0, 0},

	SetEncoder:  {0, 0},
	SetEncoders: {0, 0},
	GetEncoders: {12, 12},

	GetSpeed:         {1, 1},
	SetSpeed:         {0, 0},
	GetFeedOverride:  {0, 0},
	SendFeedOverride: {0, 0},
	GetAcceleration:  {0, 0},
	SetAcceleration:  {0, 0},
	GetJointMin:      {3, 3},
	GetJointMax:      {3, 3},
	SetJointMin:      {0, 0},
	SetJointMax:      {0, 0},

	IsServoEnabled:      {2, 2},
	IsAllServoEnabled:   {1, 1},
	SetServoData:        {0, 0},
	GetServoData:        {1, 2}, // 1-byte register or 2-byte BE register
	SetServoCalibration: {0, 0},
	JointBrake:          {0, 0},
	FocusServo:          {0, 0},

	SetDigitalOut:   {2, 2},
	GetDigitalIn:    {2, 2},
	GripperMode:     {0, 0},
	SetGripperState: {0, 0},
	SetLedRgb:       {0, 0},

	SetBasicOut: {2, 2},
	GetBasicIn:  {2, 2},

	GetServoSpeeds:   {12, 12},
	GetServoCurrents: {12, 12},
	GetServoVoltages: {12, 12},
	GetServoStatus:   {12, 12},
	GetServoTemps:    {12, 12},
}

func init() {
	if err := ValidateTable(); err != nil {
		panic(err)
	}
}

// ValidateTable checks that every known command has a well-formed entry.
func ValidateTable() error {
	for _, c := range KnownCommands {
		rs, ok := responseSizes[c]
		if !ok {
			return fmt.Errorf("protocol: no response size for command 0x%02X", byte(c))
		}
		if rs.Min < 0 || rs.Max < rs.Min {
			return fmt.Errorf("protocol: bad response size %+v for command 0x%02X", rs, byte(c))
		}
	}
	if len(responseSizes) != len(KnownCommands) {
		return fmt.Errorf("protocol: table has %d entries, %d known commands", len(responseSizes), len(KnownCommands))
	}
	return nil
}

// Known reports whether c is a command the table describes.
func Known(c Command) bool {
	_, ok := responseSizes[c]
	return ok
}

// SizeOf returns the declared response size of c. Unknown commands are {0, 0}.
func SizeOf(c Command) ResponseSize {
	return responseSizes[c]
}

// Fixup normalizes a frame's payload to its command's declared length so
// decoders can index fixed offsets. Short payloads are zero-padded to Min,
// long ones truncated to Max.
func Fixup(f Frame) Frame {
	rs := responseSizes[f.Command]
	switch n := len(f.Payload); {
	case n < rs.Min:
		log.Trace().Stringer("cmd", f.Command).Int("len", n).Int("want", rs.Min).Msg("short payload, padding")
		padded := make([]byte, rs.Min)
		copy(padded, f.Payload)
		f.Payload = padded
	case n > rs.Max:
		log.Trace().Stringer("cmd", f.Command).Int("len", n).Int("want", rs.Max).Msg("long payload, truncating")
		f.Payload = f.Payload[:rs.Max:rs.Max]
	}
	return f
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Command(0x%02X)", byte(c))
}

var commandNames = map[Command]string{
	PowerOn: "PowerOn", PowerOff: "PowerOff", IsPoweredOn: "IsPoweredOn",
	ReleaseAllServos: "ReleaseAllServos", SetFreshMode: "SetFreshMode",
	GetAngles: "GetAngles", WriteAngle: "WriteAngle", WriteAngles: "WriteAngles",
	GetCoords: "GetCoords", WriteCoord: "WriteCoord", WriteCoords: "WriteCoords",
	ProgramPause: "ProgramPause", IsProgramPaused: "IsProgramPaused",
	ProgramResume: "ProgramResume", TaskStop: "TaskStop",
	IsInPosition: "IsInPosition", CheckRunning: "CheckRunning",
	SetEncoder: "SetEncoder", SetEncoders: "SetEncoders", GetEncoders: "GetEncoders",
	GetSpeed: "GetSpeed", SetSpeed: "SetSpeed",
	IsServoEnabled: "IsServoEnabled", IsAllServoEnabled: "IsAllServoEnabled",
	GetServoData: "GetServoData", FocusServo: "FocusServo",
	SetGripperState: "SetGripperState",
	GetServoSpeeds: "GetServoSpeeds", GetServoCurrents: "GetServoCurrents",
	GetServoVoltages: "GetServoVoltages", GetServoStatus: "GetServoStatus",
	GetServoTemps: "GetServoTemps",
}
