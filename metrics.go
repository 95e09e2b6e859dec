// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package brickwire

import "expvar"

// connMetrics record connection activity counters.
type connMetrics struct {
	connActive   expvar.Int // gauge of live connections
	connOpened   expvar.Int
	bytesSent    expvar.Int
	bytesRecv    expvar.Int
	recordsSent  expvar.Int
	recordsRecv  expvar.Int
	schemasSent  expvar.Int // blobs announced to peers
	schemasRecv  expvar.Int // blobs installed from peers
	sendRetries  expvar.Int // would-block retries on send
	recvRetries  expvar.Int // would-block retries on receive
	aborts       expvar.Int
	fieldsMissed expvar.Int // local fields the peer did not describe
	commandsSent expvar.Int
	commandsRecv expvar.Int

	emap *expvar.Map
}

var rootMetrics = newConnMetrics()

func newConnMetrics() *connMetrics {
	cm := &connMetrics{emap: new(expvar.Map)}
	cm.emap.Set("conns_active", &cm.connActive)
	cm.emap.Set("conns_opened", &cm.connOpened)
	cm.emap.Set("bytes_sent", &cm.bytesSent)
	cm.emap.Set("bytes_received", &cm.bytesRecv)
	cm.emap.Set("records_sent", &cm.recordsSent)
	cm.emap.Set("records_received", &cm.recordsRecv)
	cm.emap.Set("schemas_sent", &cm.schemasSent)
	cm.emap.Set("schemas_received", &cm.schemasRecv)
	cm.emap.Set("send_retries", &cm.sendRetries)
	cm.emap.Set("recv_retries", &cm.recvRetries)
	cm.emap.Set("transfers_aborted", &cm.aborts)
	cm.emap.Set("fields_missing", &cm.fieldsMissed)
	cm.emap.Set("commands_sent", &cm.commandsSent)
	cm.emap.Set("commands_received", &cm.commandsRecv)
	return cm
}

// Metrics returns the metrics map shared by all connections. It is safe for
// the caller to add additional metrics to the map.
func Metrics() *expvar.Map { return rootMetrics.emap }
