// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tracehttp

import (
	"net/http"
	"net/http/httputil"

	"github.com/matta/inboxwatch/internal/logger"
)

// traceTransport is an http.RoundTripper that logs a dump of the
// request and response while delegating the real work to another
// http.RoundTripper.
type traceTransport struct {
	delegate http.RoundTripper
	log      logger.Logger
}

// RoundTrip logs the request and response.  Bodies are included, so
// this must only be enabled for debugging.
func (t *traceTransport) RoundTrip(req *http.Request) (resp *http.Response, err error) {
	dump, dumpErr := httputil.DumpRequestOut(req, true)
	if dumpErr == nil {
		t.log.Infof("http request:\n%s", dump)
	}
	resp, err = t.delegate.RoundTrip(req)
	if err != nil {
		t.log.Warnf("http round trip to %s failed: %v", req.URL.Host, err)
		return resp, err
	}
	dump, dumpErr = httputil.DumpResponse(resp, true)
	if dumpErr == nil {
		t.log.Infof("http response:\n%s", dump)
	}
	return resp, err
}

// Wrap returns d wrapped in a tracing transport.  A nil d means
// http.DefaultTransport.
func Wrap(d http.RoundTripper, log logger.Logger) http.RoundTripper {
	if d == nil {
		d = http.DefaultTransport
	}
	return &traceTransport{delegate: d, log: log}
}
