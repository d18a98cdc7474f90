// Command uodbtool is an offline administration tool for the login proxy's
// credential database: it adds, removes and lists user entries without
// needing a running uologind process.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mkellermann/uologin/internal/userdb"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: uodbtool -db PATH <command> [args]

commands:
  add USERNAME PASSWORD    create or overwrite a credential entry
  rm USERNAME              delete a credential entry
  ls                       list every username in the database
`)
}

func main() {
	dbPath := flag.String("db", "", "path to the credential database")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if *dbPath == "" || len(args) == 0 {
		usage()
		os.Exit(2)
	}

	var err error
	switch args[0] {
	case "add":
		if len(args) != 3 {
			usage()
			os.Exit(2)
		}
		err = userdb.Put(*dbPath, args[1], args[2])
	case "rm":
		if len(args) != 2 {
			usage()
			os.Exit(2)
		}
		err = userdb.Remove(*dbPath, args[1])
	case "ls":
		var users []string
		users, err = userdb.List(*dbPath)
		if err == nil {
			for _, u := range users {
				fmt.Println(u)
			}
		}
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "uodbtool: %v\n", err)
		os.Exit(1)
	}
}
