package storage

import (
	"github.com/go-jet/jet/v2/sqlite"
)

type rotationEventsTable struct {
	sqlite.Table

	Seq      sqlite.ColumnInteger
	Ts       sqlite.ColumnInteger
	Protocol sqlite.ColumnString
	OldProxy sqlite.ColumnString
	NewProxy sqlite.ColumnString
	Trigger  sqlite.ColumnString
	Success  sqlite.ColumnInteger
	Error    sqlite.ColumnString

	AllColumns sqlite.ColumnList
}

var RotationEvents = newRotationEventsTable("", "rotation_events", "")

func newRotationEventsTable(schemaName, tableName, alias string) *rotationEventsTable {
	var (
		seq      = sqlite.IntegerColumn("seq")
		ts       = sqlite.IntegerColumn("ts")
		protocol = sqlite.StringColumn("protocol")
		oldProxy = sqlite.StringColumn("old_proxy")
		newProxy = sqlite.StringColumn("new_proxy")
		trigger  = sqlite.StringColumn("kind")
		success  = sqlite.IntegerColumn("success")
		errCol   = sqlite.StringColumn("error")
		all      = sqlite.ColumnList{seq, ts, protocol, oldProxy, newProxy, trigger, success, errCol}
	)
	return &rotationEventsTable{
		Table:      sqlite.NewTable(schemaName, tableName, alias, all...),
		Seq:        seq,
		Ts:         ts,
		Protocol:   protocol,
		OldProxy:   oldProxy,
		NewProxy:   newProxy,
		Trigger:    trigger,
		Success:    success,
		Error:      errCol,
		AllColumns: all,
	}
}

// rotationEventRow is the scan target of RotationEvents queries.
type rotationEventRow struct {
	Seq      int64  `sql:"primary_key" alias:"rotation_events.seq"`
	Ts       int64  `alias:"rotation_events.ts"`
	Protocol string `alias:"rotation_events.protocol"`
	OldProxy string `alias:"rotation_events.old_proxy"`
	NewProxy string `alias:"rotation_events.new_proxy"`
	Trigger  string `alias:"rotation_events.kind"`
	Success  int64  `alias:"rotation_events.success"`
	Error    string `alias:"rotation_events.error"`
}
