// Copyright (c) 2020 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.
//
// ddstoredump lists the rows of a file backed drop.  Envelopes are
// decoded so the shape of a stuck conversation can be inspected; the
// sealed bodies stay sealed.

package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"

	"github.com/companyzero/deaddrop/ddutil"
	"github.com/companyzero/deaddrop/rowstore/sqlstore"
	"github.com/companyzero/deaddrop/wire"
	"github.com/davecgh/go-spew/spew"
)

func _main() error {
	db := flag.String("db", "", "drop file to dump")
	full := flag.Bool("full", false, "do not truncate sealed bodies")
	version := flag.Bool("version", false, "show version")
	flag.Parse()

	if *version {
		fmt.Fprintf(os.Stderr, "ddstoredump %s (%s)\n",
			ddutil.Version(), runtime.Version())
		os.Exit(0)
	}
	if *db == "" {
		return fmt.Errorf("-db is required")
	}

	st, err := sqlstore.Open(*db)
	if err != nil {
		return err
	}
	defer st.Close()

	rows, err := st.SelectAll()
	if err != nil {
		return err
	}

	for _, row := range rows {
		e, err := wire.ParseEnvelope(row.Payload)
		if err != nil {
			fmt.Printf("%v: unparseable %v byte row: %v\n",
				row.Key, len(row.Payload), err)
			continue
		}
		if !*full && len(e.Data) > 64 {
			e.Data = e.Data[:64] + "..."
		}
		fmt.Printf("%v: %v", row.Key, spew.Sdump(e))
	}
	fmt.Printf("%v rows\n", len(rows))

	return nil
}

func main() {
	runtime.GOMAXPROCS(runtime.NumCPU())

	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
