// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fuseops

import (
	"context"
	"flag"
	"fmt"
	"log"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/jacobsa/reqtrace"
	"golang.org/x/sys/unix"
)

var fTraceByPID = flag.Bool(
	"fuse.trace_by_pid",
	false,
	"Enable a hacky mode that uses reqtrace to group all ops from each "+
		"individual PID. Not a good idea to use in production; races, bugs, and "+
		"resource leaks likely lurk.")

// CommonOp is embedded by every concrete Op implementation, carrying the
// fields and tracing plumbing that don't vary by opcode. Its fields are
// unexported; file systems interact with it only through the Header,
// ShortDesc and Context methods it gives every concrete Op. The decoder in package fuse constructs one
// per decoded request via Init and attaches it with Op.SetCommon.
type CommonOp struct {
	opType string
	header OpHeader

	// Context and tracing information, set up in init.
	ctx    context.Context
	report reqtrace.ReportFunc
}

func describeOpType(t reflect.Type) (desc string) {
	name := t.String()

	const prefix = "*fuseops."
	const suffix = "Op"
	if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, suffix) {
		return name[len(prefix) : len(name)-len(suffix)]
	}

	return t.String()
}

var gPIDMapMu sync.Mutex

// A map from PID to a traced context for that PID.
//
// GUARDED_BY(gPIDMapMu)
var gPIDMap = make(map[uint32]context.Context)

// reportWhenPIDGone polls until pid no longer exists, then closes off the
// trace and removes it from the map.
func reportWhenPIDGone(pid uint32, report reqtrace.ReportFunc) {
	const pollPeriod = 50 * time.Millisecond
	for {
		err := unix.Kill(int(pid), 0)

		if err == unix.ESRCH {
			break
		}

		if err == unix.EPERM {
			log.Printf("Failed to kill(2) PID %v; no permissions. Leaking trace.", pid)
			return
		}

		if err != nil {
			panic(fmt.Errorf("kill(%v): %v", pid, err))
		}

		time.Sleep(pollPeriod)
	}

	report(nil)

	gPIDMapMu.Lock()
	delete(gPIDMap, pid)
	gPIDMapMu.Unlock()
}

func maybeTraceByPID(in context.Context, pid uint32) (out context.Context) {
	if !reqtrace.Enabled() || !*fTraceByPID {
		return in
	}

	gPIDMapMu.Lock()
	defer gPIDMapMu.Unlock()

	if existing, ok := gPIDMap[pid]; ok {
		return existing
	}

	var report reqtrace.ReportFunc
	out, report = reqtrace.Trace(in, fmt.Sprintf("PID %v", pid))
	gPIDMap[pid] = out

	go reportWhenPIDGone(pid, report)

	return out
}

// Init wires up tracing and the common header for op, which must embed a
// CommonOp at field zero. ctx is the connection-scoped context; opType is
// the concrete Go type of the owning Op. Called by the fuse package's
// decoder once per decoded request, before the request is dispatched.
func (o *CommonOp) Init(ctx context.Context, opType reflect.Type, header OpHeader) {
	ctx = maybeTraceByPID(ctx, header.PID)

	o.opType = describeOpType(opType)
	o.header = header
	o.ctx, o.report = reqtrace.StartSpan(ctx, o.opType)
}

func (o *CommonOp) Header() OpHeader {
	return o.header
}

// Context returns the per-request context the op's trace span is rooted
// in. A FUSE_INTERRUPT for this op's unique ID cancels the context the
// session passes to FileSystem.Call, which is derived from this one; this
// context itself is not cancelled.
func (o *CommonOp) Context() context.Context {
	return o.ctx
}

func (o *CommonOp) ShortDesc() string {
	return fmt.Sprintf("%s [unique=%d, inode=%d]", o.opType, o.header.Unique, o.header.Inode)
}

func (o *CommonOp) SetCommon(c CommonOp) {
	*o = c
}

func (o *CommonOp) Common() *CommonOp {
	return o
}

// Finish reports completion (success iff err == nil) to any active trace
// span. It's called by the engine exactly once per op, regardless of
// whether the op had output to encode.
func (o *CommonOp) Finish(err error) {
	o.report(err)
}
