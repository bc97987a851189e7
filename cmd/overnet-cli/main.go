package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/unicornultrafoundation/overnet/internal/identity"
	"github.com/unicornultrafoundation/overnet/internal/protocol"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	os.Args = append(os.Args[:1], os.Args[2:]...)

	switch cmd {
	case "identity":
		cmdIdentity()
	case "ip":
		cmdIP()
	case "login":
		cmdLogin()
	case "nodes":
		cmdNodes()
	case "sessions":
		cmdSessions()
	case "version":
		fmt.Printf("overnet-cli %s\n", version)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: overnet-cli <command> [options]

Commands:
  identity    Show or generate node identity
  ip          Derive the overlay IPv6 address for a node ID
  login       Authenticate against the control plane
  nodes       List/authorize/remove registered nodes
  sessions    List live agent sessions
  version     Show version
  help        Show this help`)
}

// --- Identity command ---

func cmdIdentity() {
	fs := flag.NewFlagSet("identity", flag.ExitOnError)
	path := fs.String("identity", "/etc/overnet/identity.key", "identity key path")
	generate := fs.Bool("generate", false, "generate new identity")
	fs.Parse(os.Args[1:])

	var id *identity.Identity
	var err error
	if *generate {
		id, err = identity.Generate()
	} else {
		id, err = identity.LoadOrGenerate(*path)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Node ID:    %s\n", id.ID)
	fmt.Printf("Public Key: %s\n", id.PublicKeyHex())
	fmt.Printf("Overlay IP: %s\n", identity.VirtualIP(id.ID))
}

// --- IP command ---

func cmdIP() {
	fs := flag.NewFlagSet("ip", flag.ExitOnError)
	fs.Parse(os.Args[1:])
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: overnet-cli ip <node-id-hex>")
		os.Exit(1)
	}

	id, err := identity.NodeIDFromHex(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(identity.VirtualIP(id))
}

// --- Login command ---

func cmdLogin() {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	controlPlane := fs.String("control-plane", "http://localhost:9394", "control plane URL")
	username := fs.String("user", "admin", "username")
	password := fs.String("password", "", "password")
	fs.Parse(os.Args[1:])

	client := &apiClient{base: *controlPlane}
	var resp protocol.LoginResponse
	err := client.post("/api/v1/auth/login", protocol.LoginRequest{
		Username: *username,
		Password: *password,
	}, &resp)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(resp.Token)
}

// --- Nodes command ---

func cmdNodes() {
	fs := flag.NewFlagSet("nodes", flag.ExitOnError)
	controlPlane := fs.String("control-plane", "http://localhost:9394", "control plane URL")
	token := fs.String("token", "", "JWT auth token")
	authorize := fs.String("authorize", "", "node ID to authorize")
	revoke := fs.String("revoke", "", "node ID to de-authorize")
	remove := fs.String("remove", "", "node ID to remove")
	name := fs.String("name", "", "name to assign when authorizing")
	fs.Parse(os.Args[1:])

	client := &apiClient{base: *controlPlane, token: *token}

	if *authorize != "" || *revoke != "" {
		nodeID := *authorize
		body := protocol.AuthorizeNodeRequest{Authorized: true, Name: *name}
		if *revoke != "" {
			nodeID = *revoke
			body.Authorized = false
		}
		var result protocol.Node
		if err := client.put("/api/v1/nodes/"+nodeID, body, &result); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Node %s authorized=%v\n", result.NodeID, result.Authorized)
		return
	}

	if *remove != "" {
		if err := client.delete("/api/v1/nodes/" + *remove); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Node removed")
		return
	}

	var nodes []protocol.Node
	if err := client.get("/api/v1/nodes", &nodes); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tOVERLAY IP\tNAME\tAUTHORIZED\tONLINE\tPLATFORM\tLAST SEEN")
	for _, n := range nodes {
		lastSeen := "-"
		if !n.LastSeen.IsZero() {
			lastSeen = n.LastSeen.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%v\t%s\t%s\n",
			n.NodeID, n.VirtualIP, n.Name, n.Authorized, n.Online, n.Platform, lastSeen)
	}
	w.Flush()
}

// --- Sessions command ---

func cmdSessions() {
	fs := flag.NewFlagSet("sessions", flag.ExitOnError)
	controlPlane := fs.String("control-plane", "http://localhost:9394", "control plane URL")
	token := fs.String("token", "", "JWT auth token")
	fs.Parse(os.Args[1:])

	client := &apiClient{base: *controlPlane, token: *token}

	var sessions []protocol.SessionInfo
	if err := client.get("/api/v1/sessions", &sessions); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tREMOTE\tENDPOINTS\tLAST SEEN")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%v\t%s\n",
			s.NodeID, s.Remote, s.Endpoints, s.LastSeen.Format(time.RFC3339))
	}
	w.Flush()
}

// --- HTTP client helper ---

type apiClient struct {
	base  string
	token string
}

func (c *apiClient) do(method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *apiClient) get(path string, out interface{}) error {
	return c.do("GET", path, nil, out)
}

func (c *apiClient) post(path string, body, out interface{}) error {
	return c.do("POST", path, body, out)
}

func (c *apiClient) put(path string, body, out interface{}) error {
	return c.do("PUT", path, body, out)
}

func (c *apiClient) delete(path string) error {
	return c.do("DELETE", path, nil, nil)
}
