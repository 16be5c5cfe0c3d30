package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"
)

const (
	flagListenAddr = "listen_addr"
	flagPeerID     = "peer"
)

func init() {
	rootCmd.PersistentFlags().String(flagListenAddr, "localhost:8080", "Listen Address")
}

var rootCmd = &cobra.Command{
	Use:   "frostmesh_cli",
	Short: "frostmesh node cli utilities",
}

type Response struct {
	ErrorMessage string          `json:"error_message,omitempty"`
	Result       json.RawMessage `json:"result"`
}

func rawGetRequest(url string) (*Response, error) {
	resp, err := http.Get(url)
	if err != nil {
		return nil, fmt.Errorf("failed to do http request: %w", err)
	}
	defer resp.Body.Close()

	return parseResponse(resp.Body)
}

func rawPostRequest(url string, body interface{}) (*Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to do http request: %w", err)
	}
	defer resp.Body.Close()

	return parseResponse(resp.Body)
}

func parseResponse(body io.Reader) (*Response, error) {
	responseBody, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}

	var response Response
	if err := json.Unmarshal(responseBody, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if response.ErrorMessage != "" {
		return nil, fmt.Errorf("request failed: %s", response.ErrorMessage)
	}
	return &response, nil
}

func printResult(response *Response) {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, response.Result, "", "  "); err != nil {
		fmt.Println(string(response.Result))
		return
	}
	fmt.Println(pretty.String())
}

func getCommand(use, short, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			listenAddr, err := cmd.Flags().GetString(flagListenAddr)
			if err != nil {
				return fmt.Errorf("failed to read configuration: %v", err)
			}
			response, err := rawGetRequest(fmt.Sprintf("http://%s%s", listenAddr, path))
			if err != nil {
				return err
			}
			printResult(response)
			return nil
		},
	}
}

func proposeSessionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "propose_session [threshold] [participant]...",
		Short: "proposes a key generation session to the listed devices",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			listenAddr, err := cmd.Flags().GetString(flagListenAddr)
			if err != nil {
				return fmt.Errorf("failed to read configuration: %v", err)
			}
			threshold, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("failed to parse threshold: %w", err)
			}
			response, err := rawPostRequest(
				fmt.Sprintf("http://%s/proposeSession", listenAddr),
				map[string]interface{}{
					"threshold":    threshold,
					"participants": args[1:],
				})
			if err != nil {
				return err
			}
			printResult(response)
			return nil
		},
	}
}

func sessionActionCommand(use, short, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [session_id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			listenAddr, err := cmd.Flags().GetString(flagListenAddr)
			if err != nil {
				return fmt.Errorf("failed to read configuration: %v", err)
			}
			response, err := rawPostRequest(
				fmt.Sprintf("http://%s%s", listenAddr, path),
				map[string]string{"session_id": args[0]})
			if err != nil {
				return err
			}
			printResult(response)
			return nil
		},
	}
}

func resetSessionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset_session",
		Short: "tears down the active session, mesh and key generation",
		RunE: func(cmd *cobra.Command, args []string) error {
			listenAddr, err := cmd.Flags().GetString(flagListenAddr)
			if err != nil {
				return fmt.Errorf("failed to read configuration: %v", err)
			}
			response, err := rawPostRequest(
				fmt.Sprintf("http://%s/resetSession", listenAddr), struct{}{})
			if err != nil {
				return err
			}
			printResult(response)
			return nil
		},
	}
}

func sendMessageCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send_message [text]",
		Short: "sends a text message over the open mesh",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			listenAddr, err := cmd.Flags().GetString(flagListenAddr)
			if err != nil {
				return fmt.Errorf("failed to read configuration: %v", err)
			}
			peerID, err := cmd.Flags().GetString(flagPeerID)
			if err != nil {
				return fmt.Errorf("failed to read configuration: %v", err)
			}
			response, err := rawPostRequest(
				fmt.Sprintf("http://%s/sendMessage", listenAddr),
				map[string]string{"peer_id": peerID, "text": args[0]})
			if err != nil {
				return err
			}
			printResult(response)
			return nil
		},
	}
	cmd.Flags().String(flagPeerID, "", "send to one peer instead of broadcasting")
	return cmd
}

func main() {
	rootCmd.AddCommand(
		proposeSessionCommand(),
		sessionActionCommand("accept_session", "accepts a pending session invite", "/acceptSession"),
		sessionActionCommand("decline_session", "declines a pending session invite", "/declineSession"),
		resetSessionCommand(),
		sendMessageCommand(),
		getCommand("get_session_info", "shows the active session, mesh and key generation state", "/getSessionInfo"),
		getCommand("get_invites", "lists pending session invites", "/getInvites"),
		getCommand("get_mesh_status", "shows the aggregated mesh status", "/getMeshStatus"),
		getCommand("get_dkg_state", "shows the key generation round state", "/getDkgState"),
		getCommand("get_wallets", "lists generated wallets", "/getWallets"),
		getCommand("get_devices", "lists devices known to the relay", "/getDevices"),
		getCommand("get_device_id", "shows this node's device id", "/getDeviceID"),
		getCommand("get_pub_key", "shows this node's public key", "/getPubKey"),
	)
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Failed to execute root command: %v", err)
	}
}
