package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/gftdcojp/objtier/internal/types"
	"github.com/gftdcojp/objtier/pkg/client"
)

var version = "dev"

func main() {
	addr := flag.String("addr", "http://localhost:8080", "objtier API address")
	timeout := flag.Duration("timeout", 0, "request timeout (0 for none)")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	ctx := context.Background()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	c := client.New(*addr)
	if err := dispatch(ctx, c, args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, c *client.Client, args []string) error {
	switch args[0] {
	case "version":
		fmt.Printf("objtier-ctl %s\n", version)
		return nil
	case "status":
		return cmdStatus(ctx, c)
	case "scan":
		return cmdScan(ctx, c)
	case "passes":
		return cmdPasses(ctx, c)
	case "containers":
		return cmdContainers(ctx, c)
	}

	need := map[string]int{"ls": 2, "stat": 3, "where": 3, "get": 3, "put": 4, "rm": 3, "mkdir": 2, "rmdir": 2}
	n, ok := need[args[0]]
	if !ok {
		printUsage()
		return fmt.Errorf("unknown command: %s", args[0])
	}
	if len(args) < n {
		printUsage()
		return fmt.Errorf("%s: missing arguments", args[0])
	}

	switch args[0] {
	case "ls":
		return cmdList(ctx, c, args[1])
	case "stat":
		return cmdStat(ctx, c, args[1], args[2])
	case "where":
		return cmdWhere(ctx, c, args[1], args[2])
	case "get":
		return cmdGet(ctx, c, args[1], args[2])
	case "put":
		return cmdPut(ctx, c, args[1], args[2], args[3])
	case "rm":
		return c.Delete(ctx, args[1], args[2])
	case "mkdir":
		created, err := c.CreateContainer(ctx, args[1])
		if err == nil && !created {
			fmt.Fprintf(os.Stderr, "container %s already exists\n", args[1])
		}
		return err
	default:
		return c.DeleteContainer(ctx, args[1])
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `objtier-ctl - tiered object storage management CLI

Usage:
  objtier-ctl [flags] <command> [args]

Commands:
  status                          Show scanner status and the last pass
  scan                            Run a migration pass now
  passes                          List recent passes from the journal
  containers                      List containers
  mkdir <container>               Create a container
  rmdir <container>               Delete an empty container
  ls <container>                  List objects
  stat <container> <name>         Show object metadata
  where <container> <name>        Show which tier serves an object
  get <container> <name>          Write an object to stdout
  put <container> <name> <file>   Upload a file ("-" for stdin)
  rm <container> <name>           Delete an object
  version                         Show version

Flags:
  -addr string       API address (default "http://localhost:8080")
  -timeout duration  Request timeout`)
}

func cmdStatus(ctx context.Context, c *client.Client) error {
	status, err := c.Status(ctx)
	if err != nil {
		return err
	}
	return printJSON(status)
}

func cmdScan(ctx context.Context, c *client.Client) error {
	stats, err := c.Scan(ctx)
	if err != nil {
		return err
	}
	return printJSON(stats)
}

func cmdPasses(ctx context.Context, c *client.Client) error {
	passes, err := c.Passes(ctx, 20)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTARTED\tDURATION\tSCANNED\tMIGRATED\tBYTES\tFAILED\tINTERRUPTED")
	for _, p := range passes {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%d\t%d\t%v\n",
			p.ID, p.StartedAt.Format(time.RFC3339), p.Duration().Round(time.Millisecond),
			p.Scanned, p.Migrated, p.MigratedBytes, p.Failed, p.Interrupted)
	}
	return w.Flush()
}

func cmdContainers(ctx context.Context, c *client.Client) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME")
	marker := ""
	for {
		page, err := c.Containers(ctx, marker)
		if err != nil {
			return err
		}
		for _, ci := range page.Containers {
			fmt.Fprintln(w, ci.Name)
		}
		if page.NextMarker == "" {
			break
		}
		marker = page.NextMarker
	}
	return w.Flush()
}

func cmdList(ctx context.Context, c *client.Client, container string) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSIZE\tLAST_MODIFIED\tETAG")
	opts := types.ListOptions{}
	for {
		page, err := c.ListObjects(ctx, container, opts)
		if err != nil {
			return err
		}
		for _, o := range page.Objects {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", o.Name, o.Size, o.LastModified.Format(time.RFC3339), o.ETag)
		}
		if page.NextMarker == "" {
			break
		}
		opts.Marker = page.NextMarker
	}
	return w.Flush()
}

func cmdStat(ctx context.Context, c *client.Client, container, name string) error {
	stat, err := c.Stat(ctx, container, name)
	if err != nil {
		return err
	}
	return printJSON(map[string]interface{}{
		"container":     stat.Container,
		"name":          stat.Name,
		"size":          stat.Size,
		"content_type":  stat.ContentType,
		"etag":          stat.ETag,
		"last_modified": stat.LastModified,
		"metadata":      stat.UserMetadata,
		"tier":          stat.Tier,
	})
}

func cmdWhere(ctx context.Context, c *client.Client, container, name string) error {
	stat, err := c.Stat(ctx, container, name)
	if err != nil {
		return err
	}
	fmt.Println(stat.Tier)
	return nil
}

func cmdGet(ctx context.Context, c *client.Client, container, name string) error {
	obj, err := c.Get(ctx, container, name, types.GetOptions{})
	if err != nil {
		return err
	}
	defer obj.Body.Close()
	_, err = io.Copy(os.Stdout, obj.Body)
	return err
}

func cmdPut(ctx context.Context, c *client.Client, container, name, path string) error {
	obj := &types.Object{
		ObjectMetadata: types.ObjectMetadata{Container: container, Name: name},
	}
	if path == "-" {
		obj.Body = io.NopCloser(os.Stdin)
	} else {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		obj.Body = f
		obj.ContentType = mime.TypeByExtension(filepath.Ext(path))
	}
	defer obj.Body.Close()

	etag, err := c.Put(ctx, obj)
	if err != nil {
		return err
	}
	fmt.Println(etag)
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
