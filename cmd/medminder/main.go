package main

import (
	"fmt"
	"os"

	_ "time/tzdata"

	"github.com/gmsas95/medminder/internal/api"
	"github.com/gmsas95/medminder/internal/cli"
	"github.com/gmsas95/medminder/internal/ledger"
)

var version = "dev"

func main() {
	cli.Version = version
	api.Version = version

	if len(os.Args) < 2 {
		cli.HandleServeCommand(nil)
		return
	}

	args := os.Args[2:]
	switch os.Args[1] {
	case "serve", "server":
		cli.HandleServeCommand(args)
	case "add":
		cli.HandleAddCommand(args)
	case "list", "ls":
		cli.HandleListCommand(args)
	case "deactivate", "stop":
		cli.HandleDeactivateCommand(args)
	case "take":
		cli.HandleDoseCommand(ledger.StatusTaken, args)
	case "skip":
		cli.HandleDoseCommand(ledger.StatusSkipped, args)
	case "due":
		cli.HandleDueCommand(args)
	case "today":
		cli.HandleTodayCommand(args)
	case "adherence":
		cli.HandleAdherenceCommand(args)
	case "import":
		cli.HandleImportCommand(args)
	case "sweep":
		cli.HandleSweepCommand(args)
	case "help", "--help", "-h":
		cli.PrintHelp()
	case "version", "--version", "-v":
		fmt.Printf("medminder version %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\n", os.Args[1])
		cli.PrintHelp()
		os.Exit(2)
	}
}
