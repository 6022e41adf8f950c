package main

import (
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	envURL    = "ESCROW_URL"
	envToken  = "ESCROW_TOKEN"
	envSecret = "ESCROW_HMAC_SECRET"
	envKeyPwd = "ESCROW_KEYSTORE_PASSPHRASE"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "open":
		return runOpen(rest, stdout, stderr)
	case "accept":
		return runSettle("accept", rest, stdout, stderr)
	case "cancel":
		return runSettle("cancel", rest, stdout, stderr)
	case "auto-cancel":
		return runSettle("auto-cancel", rest, stdout, stderr)
	case "schedule":
		return runSchedule(rest, stdout, stderr)
	case "show":
		return runShow(rest, stdout, stderr)
	case "balance":
		return runBalance(rest, stdout, stderr)
	case "derive":
		return runDerive(rest, stdout, stderr)
	case "events":
		return runEvents(rest, stdout, stderr)
	case "tasks":
		return runTasks(rest, stdout, stderr)
	case "mint":
		return runMint(rest, stdout, stderr)
	case "airdrop":
		return runAirdrop(rest, stdout, stderr)
	case "token":
		return runToken(rest, stdout, stderr)
	case "keygen":
		return runKeygen(rest, stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", cmd)
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func usage() string {
	return strings.TrimSpace(`
Usage: escrow-cli <command> [flags]

Escrow:
  open         --nonce N --deposit N --amount N --offered ADDR --requested ADDR
  accept       --maker ADDR --nonce N
  cancel       --maker ADDR --nonce N
  auto-cancel  --maker ADDR --nonce N
  schedule     --maker ADDR --nonce N --task-id N [--expiry +DURATION|RFC3339|UNIX]
  show         --maker ADDR --nonce N
  derive       --maker ADDR --nonce N [--asset ADDR]   (offline)

Queries:
  balance      --owner ADDR [--mint ADDR]
  events       [--type T] [--record ADDR] [--after N] [--limit N]
  tasks        [--id ID] [--limit N]

Development:
  mint         --owner ADDR --mint ADDR --amount N
  airdrop      --address ADDR --amount N
  token        --subject ADDR|--keystore PATH [--scope S]... [--ttl 1h]
  keygen       --out PATH

Every network command accepts --url (default $ESCROW_URL or http://localhost:8080)
and --token (default $ESCROW_TOKEN).`)
}
