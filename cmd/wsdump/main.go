// wsdump opens a wallet store read-only and prints its aggregate
// changeset, for poking at store files during development and support.
package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btclog"
	flags "github.com/jessevdk/go-flags"
	"github.com/pingu-73/kvdb-wallet-storage/changeset"
	"github.com/pingu-73/kvdb-wallet-storage/walletstore"
)

type config struct {
	DBPath string `short:"d" long:"db" description:"Path to the wallet store file" required:"true"`

	Counts bool `long:"counts" description:"Also print per-bucket record counts"`

	Debug bool `long:"debug" description:"Enable debug logging of the store package"`
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "wsdump: %v\n", err)
	os.Exit(1)
}

func main() {
	cfg := config{}
	if _, err := flags.Parse(&cfg); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if cfg.Debug {
		backend := btclog.NewBackend(os.Stderr)
		logger := backend.Logger("WLST")
		logger.SetLevel(btclog.LevelTrace)
		walletstore.UseLogger(logger)
	}

	db, err := walletstore.Open(cfg.DBPath, walletstore.OptionReadOnly())
	if err != nil {
		fatal(err)
	}
	defer db.Close()

	cs, err := db.Initialize()
	if err != nil {
		fatal(err)
	}

	dumpChangeSet(cs)

	if cfg.Counts {
		counts, err := db.RecordCounts()
		if err != nil {
			fatal(err)
		}

		fmt.Println("record counts:")
		buckets := make([]string, 0, len(counts))
		for bucket := range counts {
			buckets = append(buckets, bucket)
		}
		sort.Strings(buckets)
		for _, bucket := range buckets {
			fmt.Printf("  %-16s %d\n", bucket, counts[bucket])
		}
	}
}

func dumpChangeSet(cs *changeset.ChangeSet) {
	if cs.IsEmpty() {
		fmt.Println("store is empty (no wallet persisted yet)")
		return
	}

	fmt.Printf("network: %v\n", cs.Network)

	for _, keychain := range []changeset.Keychain{
		changeset.KeychainExternal, changeset.KeychainInternal,
	} {
		if desc, ok := cs.Descriptors[keychain]; ok {
			fmt.Printf("descriptor (%v): %s\n", keychain, desc)
		}
		if index, ok := cs.LastRevealed[keychain]; ok {
			fmt.Printf("last revealed (%v): %d\n", keychain,
				index)
		}
	}

	fmt.Printf("anchors: %d\n", len(cs.Anchors))
	for id, confTime := range cs.Anchors {
		if confTime.IsZero() {
			fmt.Printf("  %v (conf time unknown)\n", id)
			continue
		}
		fmt.Printf("  %v confirmed %v\n", id, confTime.UTC())
	}

	fmt.Printf("transactions: %d\n", len(cs.Txs))
	for txid, tx := range cs.Txs {
		fmt.Printf("  %v (%d inputs, %d outputs)\n", txid,
			len(tx.TxIn), len(tx.TxOut))
	}

	fmt.Printf("floating outputs: %d\n", len(cs.TxOuts))
	for op, txOut := range cs.TxOuts {
		fmt.Printf("  %v: %v, script %x\n", op,
			btcutil.Amount(txOut.Value), txOut.PkScript)
	}
}
