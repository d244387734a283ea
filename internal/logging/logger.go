package logging

import (
	"log"
	"os"
)

var (
	Ledger   = log.New(os.Stdout, "[ledger] ", log.LstdFlags)
	DevFed   = log.New(os.Stdout, "[devfed] ", log.LstdFlags)
	Alby     = log.New(os.Stdout, "[alby] ", log.LstdFlags)
	Backup   = log.New(os.Stdout, "[backup] ", log.LstdFlags)
	Internal = log.New(os.Stdout, "[internal] ", log.LstdFlags)
	HTTP     = log.New(os.Stdout, "[http] ", log.LstdFlags)
)
