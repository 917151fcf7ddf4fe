// Package wire implements the binary framing of the publisher protocol: command
// frames, response headers, the compact measurement record, operational mode
// bits and the text encodings they select. Everything here is stateless.
package wire

import (
	"fmt"

	"github.com/c360/tsstream/errors"
)

// ServerCommand is a command code sent by the subscriber.
type ServerCommand byte

// Commands understood by the publisher.
const (
	CommandAuthenticate             ServerCommand = 0x00
	CommandMetadataRefresh          ServerCommand = 0x01
	CommandSubscribe                ServerCommand = 0x02
	CommandUnsubscribe              ServerCommand = 0x03
	CommandRotateCipherKeys         ServerCommand = 0x04
	CommandUpdateProcessingInterval ServerCommand = 0x05
	CommandDefineOperationalModes   ServerCommand = 0x06
	CommandConfirmNotification      ServerCommand = 0x07
	CommandConfirmBufferBlock       ServerCommand = 0x08

	// CommandUserCommand00 is the first of sixteen application defined commands.
	CommandUserCommand00 ServerCommand = 0xD0
	CommandUserCommand15 ServerCommand = 0xDF
)

// String returns the command name used in logs.
func (c ServerCommand) String() string {
	switch c {
	case CommandAuthenticate:
		return "Authenticate"
	case CommandMetadataRefresh:
		return "MetadataRefresh"
	case CommandSubscribe:
		return "Subscribe"
	case CommandUnsubscribe:
		return "Unsubscribe"
	case CommandRotateCipherKeys:
		return "RotateCipherKeys"
	case CommandUpdateProcessingInterval:
		return "UpdateProcessingInterval"
	case CommandDefineOperationalModes:
		return "DefineOperationalModes"
	case CommandConfirmNotification:
		return "ConfirmNotification"
	case CommandConfirmBufferBlock:
		return "ConfirmBufferBlock"
	}
	if c >= CommandUserCommand00 && c <= CommandUserCommand15 {
		return fmt.Sprintf("UserCommand%02d", byte(c-CommandUserCommand00))
	}
	return fmt.Sprintf("ServerCommand(0x%02x)", byte(c))
}

// ServerResponse is a response code sent by the publisher.
type ServerResponse byte

// Responses sent by the publisher.
const (
	ResponseSucceeded              ServerResponse = 0x80
	ResponseFailed                 ServerResponse = 0x81
	ResponseDataPacket             ServerResponse = 0x82
	ResponseUpdateSignalIndexCache ServerResponse = 0x83
	ResponseUpdateBaseTimes        ServerResponse = 0x84
	ResponseUpdateCipherKeys       ServerResponse = 0x85
	ResponseDataStartTime          ServerResponse = 0x86
	ResponseProcessingComplete     ServerResponse = 0x87
	ResponseBufferBlock            ServerResponse = 0x88
	ResponseNotify                 ServerResponse = 0x89
	ResponseConfigurationChanged   ServerResponse = 0x8A

	ResponseUserResponse00 ServerResponse = 0xE0
	ResponseUserResponse15 ServerResponse = 0xEF

	ResponseNoOP ServerResponse = 0xFF
)

// String returns the response name used in logs.
func (r ServerResponse) String() string {
	switch r {
	case ResponseSucceeded:
		return "Succeeded"
	case ResponseFailed:
		return "Failed"
	case ResponseDataPacket:
		return "DataPacket"
	case ResponseUpdateSignalIndexCache:
		return "UpdateSignalIndexCache"
	case ResponseUpdateBaseTimes:
		return "UpdateBaseTimes"
	case ResponseUpdateCipherKeys:
		return "UpdateCipherKeys"
	case ResponseDataStartTime:
		return "DataStartTime"
	case ResponseProcessingComplete:
		return "ProcessingComplete"
	case ResponseBufferBlock:
		return "BufferBlock"
	case ResponseNotify:
		return "Notify"
	case ResponseConfigurationChanged:
		return "ConfigurationChanged"
	case ResponseNoOP:
		return "NoOP"
	}
	if r >= ResponseUserResponse00 && r <= ResponseUserResponse15 {
		return fmt.Sprintf("UserResponse%02d", byte(r-ResponseUserResponse00))
	}
	return fmt.Sprintf("ServerResponse(0x%02x)", byte(r))
}

// DataPacketFlags describe the body of a DataPacket response.
type DataPacketFlags byte

// Data packet flag bits.
const (
	DataPacketSynchronized            DataPacketFlags = 0x01
	DataPacketCompact                 DataPacketFlags = 0x02
	DataPacketCipherIndex             DataPacketFlags = 0x04
	DataPacketCompressed              DataPacketFlags = 0x08
	DataPacketLittleEndianCompression DataPacketFlags = 0x10
	DataPacketNoFlags                 DataPacketFlags = 0x00
)

// OperationalModes is the session bitmask negotiated with DefineOperationalModes.
type OperationalModes uint32

// Operational mode masks and bits.
const (
	ModeVersionMask         OperationalModes = 0x0000001F
	ModeCompressionModeMask OperationalModes = 0x000000E0
	ModeEncodingMask        OperationalModes = 0x00000300

	ModeUseCommonSerializationFormat OperationalModes = 0x01000000
	ModeReceiveExternalMetadata      OperationalModes = 0x02000000
	ModeReceiveInternalMetadata      OperationalModes = 0x04000000
	ModeCompressPayloadData          OperationalModes = 0x20000000
	ModeCompressSignalIndexCache     OperationalModes = 0x40000000
	ModeCompressMetadata             OperationalModes = 0x80000000
)

// Encoding selections within ModeEncodingMask.
const (
	EncodingUnicode          OperationalModes = 0x00000000
	EncodingBigEndianUnicode OperationalModes = 0x00000100
	EncodingUTF8             OperationalModes = 0x00000200
	EncodingANSI             OperationalModes = 0x00000300
)

// Compression selections within ModeCompressionModeMask.
const (
	CompressionGZip OperationalModes = 0x00000020
	CompressionTSSC OperationalModes = 0x00000040
	CompressionNone OperationalModes = 0x00000000
)

// DefaultOperationalModes is common serialization, UTF-16LE text and the
// compressed metadata request bit.
const DefaultOperationalModes = ModeUseCommonSerializationFormat | EncodingUnicode | ModeCompressMetadata

// Encoding returns the text encoding selection.
func (m OperationalModes) Encoding() OperationalModes {
	return m & ModeEncodingMask
}

// CompressionMode returns the compression selection.
func (m OperationalModes) CompressionMode() OperationalModes {
	return m & ModeCompressionModeMask
}

// Has reports whether every bit of flag is set.
func (m OperationalModes) Has(flag OperationalModes) bool {
	return m&flag == flag
}

// GZipSignalIndexCache reports whether signal index cache updates arrive gzip compressed.
func (m OperationalModes) GZipSignalIndexCache() bool {
	return m.Has(ModeCompressSignalIndexCache) && m.CompressionMode() == CompressionGZip
}

// GZipMetadata reports whether metadata refreshes arrive gzip compressed.
func (m OperationalModes) GZipMetadata() bool {
	return m.Has(ModeCompressMetadata) && m.CompressionMode() == CompressionGZip
}

// Validate reports an error when the modes cannot be used by this client.
func (m OperationalModes) Validate() error {
	if !m.Has(ModeUseCommonSerializationFormat) {
		return fmt.Errorf("%w: 0x%08x does not set the common serialization format bit",
			errors.ErrInvalidOperationalModes, uint32(m))
	}
	return nil
}
