// Command mailstore provides offline tooling for a mail store directory:
// checking database consistency and working with the limits config file.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/evermail/mailstore/config"
	"github.com/evermail/mailstore/mlog"
	"github.com/evermail/mailstore/store"
)

var xlog = mlog.New("main")

func xcheckf(err error, format string, args ...any) {
	if err != nil {
		xlog.Fatalx(fmt.Sprintf(format, args...), err)
	}
}

func xusage() {
	fmt.Fprintln(os.Stderr, `usage: mailstore verify <storedir>
       mailstore config describe
       mailstore config test <file>`)
	os.Exit(2)
}

func main() {
	var loglevel string
	flag.StringVar(&loglevel, "loglevel", "info", "log level: error, info, debug")
	flag.Usage = xusage
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		xusage()
	}

	level, ok := mlog.Levels[loglevel]
	if !ok {
		xusage()
	}
	mlog.SetConfig(map[string]mlog.Level{"": level})

	switch args[0] {
	case "verify":
		if len(args) != 2 {
			xusage()
		}
		cmdVerify(args[1])
	case "config":
		if len(args) < 2 {
			xusage()
		}
		switch args[1] {
		case "describe":
			err := config.Describe(os.Stdout)
			xcheckf(err, "describing config")
		case "test":
			if len(args) != 3 {
				xusage()
			}
			_, err := config.ParseFile(args[2])
			xcheckf(err, "parsing %s", args[2])
			fmt.Println("config OK")
		default:
			xusage()
		}
	default:
		xusage()
	}
}

func cmdVerify(dir string) {
	dbpath := filepath.Join(dir, "index.db")
	problems, err := store.CheckConsistency(context.Background(), dbpath)
	xcheckf(err, "checking %s", dbpath)
	for _, p := range problems {
		fmt.Println(p)
	}
	if len(problems) > 0 {
		xlog.Fatal("database inconsistent", mlog.Field("problems", len(problems)))
	}
	fmt.Println("database OK")
}
