// Copyright (c) 2020 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

const (
	defaultConfigFileContent = `
# root directory for ddserver settings and logs
root = ~/.ddserver

# listen address and port
listen = 127.0.0.1:12345

# serve https.  The certificate and key live in the root directory and
# are generated on the first run; hand the certificate (or its
# fingerprint from the log) to clients so they can pin it.
tls = no

# rows are deleted this long after insertion; pick a value generous
# enough for the slowest expected receiver.  0 keeps rows until their
# drop is closed.
rowttl = 168h

# how often the expiry sweeper runs
sweepinterval = 1m

# logging and debug
[log]

# logfile contains log file name location
logfile = ~/.ddserver/ddserver.log

# timeformat for logging purposes
# see https://golang.org/pkg/time/#Time.Format for more details
timeformat = 2006-01-02 15:04:05

# enable/disable debug output to log
debug = no

# launch go's profiler on specified url
# requires debug = yes
profiler = 127.0.0.1:6060
`
)
