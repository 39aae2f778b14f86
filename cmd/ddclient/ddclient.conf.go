// Copyright (c) 2020 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

const (
	defaultConfigFileContent = `
# root directory for ddclient settings, keys and logs
root = ~/.ddclient

# relay server that hosts the drop.  A directory shared with the
# peer works too: server = file:///shared/drops
server = http://127.0.0.1:12345

# pin the relay certificate for https servers that sign their own,
# e.g. a ddserver with tls = yes.  Copy its ddserver.crt here.
# servercert = ~/.ddclient/server.crt

# where received files are spooled
# downloads = ~/.ddclient/downloads

# annoy user by beeping on incoming messages
# beep = yes

# maximum attachment size in bytes
attachmentsize = 10485760

# delivery cadence
[delivery]

# how often the drop is polled while the push feed is down
# pollinterval = 30s

# how often the drop is polled while the push feed is live
# backupinterval = 5m

# logging and debug
[log]

# savehistory saves commands but not text to a history file
savehistory = no

# timeformat for time stamps
# see https://golang.org/pkg/time/#Time.Format for more details
timeformat = 15:04:05

# logfile contains log file name location
logfile = ~/.ddclient/ddclient.log

# enable/disable debug output to log
debug = no

# launch go's profiler on specified url
# requires debug = yes
profiler = 127.0.0.1:6061
`
)
