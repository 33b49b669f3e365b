package service

import "math"

/*
	Limit Enforcer

	The limit surface exists so a future enforcement layer can slot in
	without touching the request paths. Every method of the null
	implementation is a no-op: no drain deadlines, no scheduled
	deadlines, no buffering cap, no limits-exceeded transition.
*/

type LimitEnforcer interface {
	NewSubrequest()
	NewKvRequest()
	//Channel that fires when the drain deadline passes. Never fires
	//for the null enforcer.
	LimitDrain() <-chan struct{}
	//Channel that fires when the scheduled deadline passes. Never
	//fires for the null enforcer.
	LimitScheduled() <-chan struct{}
	BufferingLimit() int
	LimitsExceeded() bool
}

type NullLimiter struct{}

var neverFires = make(chan struct{})

func (NullLimiter) NewSubrequest()                  {}
func (NullLimiter) NewKvRequest()                   {}
func (NullLimiter) LimitDrain() <-chan struct{}     { return neverFires }
func (NullLimiter) LimitScheduled() <-chan struct{} { return neverFires }
func (NullLimiter) BufferingLimit() int             { return math.MaxInt }
func (NullLimiter) LimitsExceeded() bool            { return false }
