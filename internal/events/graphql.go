package events

import "time"

// GraphQLStart is emitted before executing a query or mutation.
type GraphQLStart struct {
	Query         string
	OperationName string
	OperationType string
}

// GraphQLFinish is emitted after executing a query or mutation.
type GraphQLFinish struct {
	Query         string
	OperationName string
	OperationType string
	Errors        int
	Duration      time.Duration
}
