// Command loom is the operator CLI: key generation, building and
// submitting commits, and inspecting containers on a running node.
package main

import (
	"bufio"
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/Mindburn-Labs/loom/pkg/canon"
	"github.com/Mindburn-Labs/loom/pkg/crypto"
	"github.com/Mindburn-Labs/loom/pkg/link"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "keygen":
		err = cmdKeygen(os.Args[2:])
	case "commit":
		err = cmdCommit(os.Args[2:])
	case "state":
		err = cmdState(os.Args[2:])
	case "tail":
		err = cmdTail(os.Args[2:])
	case "verify":
		err = cmdVerify(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: loom <command> [flags]

commands:
  keygen   generate an Ed25519 keypair
  commit   build, sign, and submit a commit
  state    show a container's head state
  tail     follow a container's committed entries
  verify   audit a container's hash chain`)
}

func cmdKeygen(args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	out := fs.String("out", "loom.key", "file to write the private seed to")
	_ = fs.Parse(args)

	pub, priv, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, []byte(hex.EncodeToString(priv.Seed())+"\n"), 0o600); err != nil {
		return err
	}
	fmt.Printf("public key: %s\nseed written to %s\n", crypto.EncodeKey(pub), *out)
	return nil
}

func loadKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	seed, err := crypto.DecodeKey(strings.TrimSpace(string(raw)), crypto.SeedSize)
	if err != nil {
		return nil, fmt.Errorf("key file %s: %w", path, err)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

func cmdCommit(args []string) error {
	fs := flag.NewFlagSet("commit", flag.ExitOnError)
	server := fs.String("server", "http://localhost:8080", "node base URL")
	keyFile := fs.String("key", "loom.key", "private seed file")
	containerHex := fs.String("container", "", "container id (64 hex chars)")
	class := fs.String("class", "observation", "intent class: observation|conservation|entropy|evolution")
	delta := fs.String("delta", "0", "physics delta (decimal)")
	atomArg := fs.String("atom", "", "atom JSON value ('-' reads stdin)")
	pactFile := fs.String("pact", "", "optional pact proof file (JSON)")
	_ = fs.Parse(args)

	priv, err := loadKey(*keyFile)
	if err != nil {
		return err
	}
	container, err := crypto.ParseHash(*containerHex)
	if err != nil {
		return fmt.Errorf("container: %w", err)
	}

	atomJSON := []byte(*atomArg)
	if *atomArg == "-" {
		atomJSON, err = io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}
	}
	canonical, err := canon.CanonicalizeJSON(atomJSON)
	if err != nil {
		return err
	}

	intentClass, err := parseClass(*class)
	if err != nil {
		return err
	}
	physics, err := link.ParseDelta(*delta)
	if err != nil {
		return err
	}

	// Read the head so the link binds to current reality.
	st, err := fetchState(*server, container)
	if err != nil {
		return err
	}

	var pact []byte
	if *pactFile != "" {
		pact, err = os.ReadFile(*pactFile)
		if err != nil {
			return err
		}
	}

	l, err := link.BuildAndSign(link.Params{
		ContainerID:      container,
		ExpectedSequence: st.LastSequence + 1,
		PreviousHash:     st.LastEntryHash,
		AtomHash:         canon.HashAtom(canonical),
		IntentClass:      intentClass,
		PhysicsDelta:     physics,
		PactProof:        pact,
	}, priv)
	if err != nil {
		return err
	}

	linkJSON, err := json.Marshal(l)
	if err != nil {
		return err
	}
	body := strings.TrimSuffix(string(linkJSON), "}") + `,"atom":` + string(canonical) + `}`

	resp, err := http.Post(*server+"/v1/commit", "application/json", bytes.NewReader([]byte(body)))
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	payload, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("commit rejected (%d): %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	fmt.Println(strings.TrimSpace(string(payload)))
	return nil
}

type stateResponse struct {
	LastSequence  uint64 `json:"last_sequence"`
	LastEntryHash string `json:"last_entry_hash"`
}

type headState struct {
	LastSequence  uint64
	LastEntryHash crypto.Hash
}

func fetchState(server string, container crypto.Hash) (headState, error) {
	resp, err := http.Get(server + "/v1/state/" + container.Hex())
	if err != nil {
		return headState{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		return headState{}, fmt.Errorf("state fetch failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var sr stateResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return headState{}, err
	}
	h, err := crypto.ParseHash(sr.LastEntryHash)
	if err != nil {
		return headState{}, err
	}
	return headState{LastSequence: sr.LastSequence, LastEntryHash: h}, nil
}

func parseClass(s string) (link.IntentClass, error) {
	switch strings.ToLower(s) {
	case "observation":
		return link.Observation, nil
	case "conservation":
		return link.Conservation, nil
	case "entropy":
		return link.Entropy, nil
	case "evolution":
		return link.Evolution, nil
	default:
		return 0, fmt.Errorf("unknown intent class %q", s)
	}
}

func cmdState(args []string) error {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	server := fs.String("server", "http://localhost:8080", "node base URL")
	containerHex := fs.String("container", "", "container id (64 hex chars)")
	_ = fs.Parse(args)

	container, err := crypto.ParseHash(*containerHex)
	if err != nil {
		return fmt.Errorf("container: %w", err)
	}
	st, err := fetchState(*server, container)
	if err != nil {
		return err
	}
	fmt.Printf("last_sequence: %d\nlast_entry_hash: %s\n", st.LastSequence, st.LastEntryHash.Hex())
	return nil
}

func cmdTail(args []string) error {
	fs := flag.NewFlagSet("tail", flag.ExitOnError)
	server := fs.String("server", "http://localhost:8080", "node base URL")
	containerHex := fs.String("container", "", "container id (64 hex chars)")
	from := fs.Uint64("from", 1, "first sequence to stream")
	_ = fs.Parse(args)

	container, err := crypto.ParseHash(*containerHex)
	if err != nil {
		return fmt.Errorf("container: %w", err)
	}

	resp, err := http.Get(fmt.Sprintf("%s/v1/ledger/%s/tail?from=%d", *server, container.Hex(), *from))
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("tail failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			fmt.Println(strings.TrimPrefix(line, "data: "))
		}
		if strings.HasPrefix(line, "event: resume_required") {
			return fmt.Errorf("stream fell behind; rerun with -from <last sequence + 1>")
		}
	}
	return scanner.Err()
}

func cmdVerify(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	server := fs.String("server", "http://localhost:8080", "node base URL")
	containerHex := fs.String("container", "", "container id (64 hex chars)")
	from := fs.Uint64("from", 1, "first sequence to check")
	to := fs.Uint64("to", 0, "last sequence to check (0 = head)")
	_ = fs.Parse(args)

	container, err := crypto.ParseHash(*containerHex)
	if err != nil {
		return fmt.Errorf("container: %w", err)
	}

	resp, err := http.Get(fmt.Sprintf("%s/v1/verify/%s?from=%d&to=%d", *server, container.Hex(), *from, *to))
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	payload, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("verify failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	fmt.Println(strings.TrimSpace(string(payload)))
	return nil
}
