package subscriber

import (
	"strconv"
	"strings"
)

// SubscriptionConfig describes what to subscribe to and how the publisher
// should deliver it. Subscribe keeps its own copy.
type SubscriptionConfig struct {
	// FilterExpression selects signals, e.g. "PPA:1;PPA:2" or a FILTER query.
	FilterExpression string `json:"filter_expression" yaml:"filter_expression"`

	// Throttled asks the publisher to track only the latest measurements.
	Throttled bool `json:"throttled" yaml:"throttled"`

	IncludeTime              bool    `json:"include_time" yaml:"include_time"`
	LagTime                  float64 `json:"lag_time" yaml:"lag_time"`
	LeadTime                 float64 `json:"lead_time" yaml:"lead_time"`
	UseLocalClockAsRealTime  bool    `json:"use_local_clock_as_real_time" yaml:"use_local_clock_as_real_time"`
	UseMillisecondResolution bool    `json:"use_millisecond_resolution" yaml:"use_millisecond_resolution"`

	// RemotelySynchronized requests frame-aligned data packets.
	RemotelySynchronized bool `json:"remotely_synchronized" yaml:"remotely_synchronized"`

	UDPDataChannel       bool   `json:"udp_data_channel" yaml:"udp_data_channel"`
	DataChannelLocalPort uint16 `json:"data_channel_local_port" yaml:"data_channel_local_port"`

	StartTime            string `json:"start_time,omitempty" yaml:"start_time,omitempty"`
	StopTime             string `json:"stop_time,omitempty" yaml:"stop_time,omitempty"`
	ConstraintParameters string `json:"constraint_parameters,omitempty" yaml:"constraint_parameters,omitempty"`

	// ProcessingInterval is -1 for the publisher default and 0 for as fast as possible.
	ProcessingInterval int `json:"processing_interval" yaml:"processing_interval"`

	WaitHandleNames   string `json:"wait_handle_names,omitempty" yaml:"wait_handle_names,omitempty"`
	WaitHandleTimeout int    `json:"wait_handle_timeout,omitempty" yaml:"wait_handle_timeout,omitempty"`

	// ExtraConnectionStringParameters are appended verbatim.
	ExtraConnectionStringParameters string `json:"extra_connection_string_parameters,omitempty" yaml:"extra_connection_string_parameters,omitempty"`
}

// DefaultSubscriptionConfig returns time-included settings with a 10 second
// lag time, a 5 second lead time and the publisher's default processing interval.
func DefaultSubscriptionConfig() SubscriptionConfig {
	return SubscriptionConfig{
		IncludeTime:        true,
		LagTime:            10.0,
		LeadTime:           5.0,
		ProcessingInterval: -1,
	}
}

// AssemblyInfo identifies this client to the publisher.
type AssemblyInfo struct {
	Source    string
	Version   string
	BuildDate string
}

// DefaultAssemblyInfo is sent unless overridden with WithAssemblyInfo.
var DefaultAssemblyInfo = AssemblyInfo{
	Source:    "tsstream",
	Version:   "1.0.0",
	BuildDate: "unknown",
}

// ConnectionString renders the key/value pairs sent with Subscribe.
func (c SubscriptionConfig) ConnectionString(assembly AssemblyInfo, dataChannel bool) string {
	var b strings.Builder

	pair := func(key, value string) {
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(value)
		b.WriteByte(';')
	}

	pair("trackLatestMeasurements", strconv.FormatBool(c.Throttled))
	pair("includeTime", strconv.FormatBool(c.IncludeTime))
	pair("lagTime", strconv.FormatFloat(c.LagTime, 'f', -1, 64))
	pair("leadTime", strconv.FormatFloat(c.LeadTime, 'f', -1, 64))
	pair("useLocalClockAsRealTime", strconv.FormatBool(c.UseLocalClockAsRealTime))
	pair("processingInterval", strconv.Itoa(c.ProcessingInterval))
	pair("useMillisecondResolution", strconv.FormatBool(c.UseMillisecondResolution))
	pair("assemblyInfo", "{source="+assembly.Source+";version="+assembly.Version+";buildDate="+assembly.BuildDate+"}")

	if !isBlank(c.FilterExpression) {
		pair("inputMeasurementKeys", "{"+c.FilterExpression+"}")
	}
	if dataChannel {
		pair("dataChannel", "{localport="+strconv.Itoa(int(c.DataChannelLocalPort))+"}")
	}
	if !isBlank(c.StartTime) {
		pair("startTimeConstraint", c.StartTime)
	}
	if !isBlank(c.StopTime) {
		pair("stopTimeConstraint", c.StopTime)
	}
	if !isBlank(c.ConstraintParameters) {
		pair("timeConstraintParameters", c.ConstraintParameters)
	}
	if !isBlank(c.WaitHandleNames) {
		pair("waitHandleNames", c.WaitHandleNames)
		pair("waitHandleTimeout", strconv.Itoa(c.WaitHandleTimeout))
	}
	if !isBlank(c.ExtraConnectionStringParameters) {
		b.WriteString(c.ExtraConnectionStringParameters)
		b.WriteByte(';')
	}
	return b.String()
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
