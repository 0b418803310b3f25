package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"decoderd/pkg/types"
)

var (
	addr    string
	timeout time.Duration
)

func main() {
	root := &cobra.Command{
		Use:           "decoderctl",
		Short:         "Control a running decoderd over its HTTP API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&addr, "addr", "http://127.0.0.1:80", "Base URL of the decoderd API")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "Request timeout")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show media, live and network status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var st types.StatusResponse
			if err := getJSON("/api/status", &st); err != nil {
				return err
			}
			fmt.Printf("player:   alive=%v idle=%v paused=%v\n", st.Media.Alive, st.Media.Idle, st.Media.Paused)
			if st.Media.StreamURL != "" {
				fmt.Printf("stream:   %s (backup=%v, hwdec=%s, %s)\n",
					st.Media.StreamURL, st.Media.UsingBackup, st.Media.HwdecCurrent, st.Media.Resolution)
			}
			fmt.Printf("live:     live=%v finished=%v %s\n", st.Live.IsLive, st.Live.Finished, st.Live.Message)
			if st.Live.PlanTitle != "" {
				fmt.Printf("plan:     %s (%d/%d)\n", st.Live.PlanTitle, st.Live.PlanIndex, st.Live.PlanLength)
			}
			fmt.Printf("network:  %s %s\n", st.Network.ConnectionType, st.Network.IP)
			if st.CredentialError != "" {
				fmt.Printf("WARNING:  %s\n", st.CredentialError)
			}
			return nil
		},
	}

	playCmd := &cobra.Command{
		Use:   "play [url]",
		Short: "Start the configured stream, or an explicit URL",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := types.PlayRequest{}
			if len(args) == 1 {
				req.URL = args[0]
			}
			return postJSON("/api/play", req, nil)
		},
	}

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop playback and return to the idle screen",
		RunE: func(cmd *cobra.Command, args []string) error {
			return postJSON("/api/stop", nil, nil)
		},
	}

	restartCmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the player process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return postJSON("/api/restart", nil, nil)
		},
	}

	resetRetryCmd := &cobra.Command{
		Use:   "reset-retry",
		Short: "Clear stream retry backoff and backup failover",
		RunE: func(cmd *cobra.Command, args []string) error {
			return postJSON("/api/reset-retry", nil, nil)
		},
	}

	var screenshotOut string
	screenshotCmd := &cobra.Command{
		Use:   "screenshot",
		Short: "Capture the current frame to a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := httpClient().Get(addr + "/api/screenshot")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return apiError(resp)
			}
			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			if err := os.WriteFile(screenshotOut, data, 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %d bytes to %s\n", len(data), screenshotOut)
			return nil
		},
	}
	screenshotCmd.Flags().StringVarP(&screenshotOut, "out", "o", "screenshot.jpg", "Output file")

	root.AddCommand(statusCmd, playCmd, stopCmd, restartCmd, resetRetryCmd, screenshotCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func httpClient() *http.Client {
	return &http.Client{Timeout: timeout}
}

func apiError(resp *http.Response) error {
	var e types.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Error != "" {
		return fmt.Errorf("%s (HTTP %d)", e.Error, resp.StatusCode)
	}
	return fmt.Errorf("HTTP %d", resp.StatusCode)
}

func getJSON(path string, out any) error {
	resp, err := httpClient().Get(addr + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func postJSON(path string, in, out any) error {
	body := bytes.NewReader(nil)
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	resp, err := httpClient().Post(addr+path, "application/json", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	fmt.Println("ok")
	return nil
}
