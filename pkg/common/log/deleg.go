/** Copyright 2022-2024 The dxgvmbus Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package log

import (
	"sync"

	"github.com/go-logr/logr"
)

// delegatingLogSink forwards to an underlying sink that can be swapped at
// runtime. Loggers handed out before Fulfill keep working afterwards, with
// their accumulated names and values replayed onto the new sink.
type delegatingLogSink struct {
	mu      sync.RWMutex
	sink    logr.LogSink
	names   []string
	values  []any
	info    logr.RuntimeInfo
}

var _ logr.LogSink = (*delegatingLogSink)(nil)

func newDelegatingLogSink(initial logr.LogSink) *delegatingLogSink {
	return &delegatingLogSink{sink: initial}
}

func (d *delegatingLogSink) Init(info logr.RuntimeInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	// One frame for the delegation indirection.
	info.CallDepth++
	d.info = info
	d.sink.Init(info)
}

func (d *delegatingLogSink) Enabled(level int) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sink.Enabled(level)
}

func (d *delegatingLogSink) Info(level int, msg string, keysAndValues ...any) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	d.sink.Info(level, msg, keysAndValues...)
}

func (d *delegatingLogSink) Error(err error, msg string, keysAndValues ...any) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	d.sink.Error(err, msg, keysAndValues...)
}

func (d *delegatingLogSink) WithName(name string) logr.LogSink {
	d.mu.RLock()
	defer d.mu.RUnlock()
	child := &delegatingLogSink{
		sink:   d.sink.WithName(name),
		names:  append(append([]string{}, d.names...), name),
		values: d.values,
	}
	return child
}

func (d *delegatingLogSink) WithValues(keysAndValues ...any) logr.LogSink {
	d.mu.RLock()
	defer d.mu.RUnlock()
	child := &delegatingLogSink{
		sink:   d.sink.WithValues(keysAndValues...),
		names:  d.names,
		values: append(append([]any{}, d.values...), keysAndValues...),
	}
	return child
}

// Fulfill replaces the underlying sink, replaying the accumulated names and
// values so existing Logger handles pick up the new implementation.
func (d *delegatingLogSink) Fulfill(sink logr.LogSink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, name := range d.names {
		sink = sink.WithName(name)
	}
	if len(d.values) > 0 {
		sink = sink.WithValues(d.values...)
	}
	sink.Init(d.info)
	d.sink = sink
}
