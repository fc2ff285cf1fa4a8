// Command sitewatchctl is a small admin client for a running
// sitewatchd: manage cameras, models and assignments, and inspect
// incidents over the REST API.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const usage = `Usage: sitewatchctl [-addr URL] COMMAND [args]

Commands:
  status                                    pipeline status
  cameras                                   list cameras
  camera-add ID NAME LOCATION FEED_URL FPS  register a camera (active)
  camera-active ID true|false               toggle a camera
  models                                    list models
  model-add ID NAME TYPE ENDPOINT THRESHOLD register a model (enabled)
  assign CAMERA_ID MODEL_ID                 activate an assignment
  unassign CAMERA_ID MODEL_ID               remove an assignment
  incidents [STATUS]                        list incidents
  resolve INCIDENT_ID [NOTES]               mark an incident resolved
`

func main() {
	addr := flag.String("addr", "http://localhost:8080", "sitewatchd base URL")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	c := &client{base: strings.TrimRight(*addr, "/"), http: &http.Client{Timeout: 30 * time.Second}}
	if err := c.run(flag.Arg(0), flag.Args()[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "sitewatchctl: %v\n", err)
		os.Exit(1)
	}
}

type client struct {
	base string
	http *http.Client
}

func (c *client) run(cmd string, args []string) error {
	switch cmd {
	case "status":
		return c.get("/api/status")
	case "cameras":
		return c.get("/api/cameras")
	case "camera-add":
		if len(args) != 5 {
			return fmt.Errorf("camera-add needs ID NAME LOCATION FEED_URL FPS")
		}
		return c.post("/api/cameras", map[string]any{
			"id": args[0], "name": args[1], "location": args[2],
			"feed_url": args[3], "fps": atoiOr(args[4], 1), "active": true,
		})
	case "camera-active":
		if len(args) != 2 {
			return fmt.Errorf("camera-active needs ID true|false")
		}
		return c.post("/api/cameras/"+args[0]+"/active", map[string]any{"active": args[1] == "true"})
	case "models":
		return c.get("/api/models")
	case "model-add":
		if len(args) != 5 {
			return fmt.Errorf("model-add needs ID NAME TYPE ENDPOINT THRESHOLD")
		}
		var threshold float64
		if _, err := fmt.Sscanf(args[4], "%f", &threshold); err != nil {
			return fmt.Errorf("invalid threshold %q", args[4])
		}
		return c.post("/api/models", map[string]any{
			"id": args[0], "name": args[1], "type": args[2],
			"endpoint": args[3], "threshold": threshold, "enabled": true,
		})
	case "assign":
		if len(args) != 2 {
			return fmt.Errorf("assign needs CAMERA_ID MODEL_ID")
		}
		return c.post("/api/assignments", map[string]any{
			"camera_id": args[0], "model_id": args[1], "active": true,
		})
	case "unassign":
		if len(args) != 2 {
			return fmt.Errorf("unassign needs CAMERA_ID MODEL_ID")
		}
		return c.delete("/api/assignments/" + args[0] + "/" + args[1])
	case "incidents":
		path := "/api/incidents"
		if len(args) > 0 {
			path += "?status=" + url.QueryEscape(args[0])
		}
		return c.get(path)
	case "resolve":
		if len(args) < 1 {
			return fmt.Errorf("resolve needs INCIDENT_ID")
		}
		body := map[string]any{"status": "resolved"}
		if len(args) > 1 {
			body["notes"] = strings.Join(args[1:], " ")
		}
		return c.post("/api/incidents/"+args[0]+"/status", body)
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (c *client) get(path string) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return err
	}
	return printResponse(resp)
}

func (c *client) post(path string, body map[string]any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := c.http.Post(c.base+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	return printResponse(resp)
}

func (c *client) delete(path string) error {
	req, err := http.NewRequest(http.MethodDelete, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	return printResponse(resp)
}

// printResponse pretty-prints JSON bodies and surfaces non-2xx status
// codes as errors.
func printResponse(resp *http.Response) error {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if len(body) == 0 {
		fmt.Println("ok")
		return nil
	}
	var out bytes.Buffer
	if err := json.Indent(&out, body, "", "  "); err != nil {
		fmt.Println(string(body))
		return nil
	}
	fmt.Println(out.String())
	return nil
}

func atoiOr(s string, def int) int {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return def
	}
	return n
}
