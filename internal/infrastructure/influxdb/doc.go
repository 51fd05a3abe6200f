// Package influxdb provides the optional reading-history sink.
//
// When enabled, every meter reading that passes the change detector is
// mirrored to InfluxDB as a time-series point, keyed by device id and
// attribute. Writes are non-blocking and batched; a failed or slow
// InfluxDB never stalls the publish pipeline. History is best effort,
// delivery to the broker is not.
//
// The sink is disabled by default and the bridge is fully functional
// without it.
package influxdb
