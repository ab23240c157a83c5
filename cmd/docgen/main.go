// Command docgen regenerates internal/docs/endpoints.adoc from the
// @Title/@Route/@Description/@Response annotations on the gateway
// handlers in internal/web.
package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

type endpoint struct {
	Title       string
	Route       string
	Description string
	Response    string
}

func main() {
	srcDir := "internal/web"
	outFile := filepath.Join("internal", "docs", "endpoints.adoc")

	files, err := os.ReadDir(srcDir)
	if err != nil {
		panic(err)
	}

	reTitle := regexp.MustCompile(`// @Title: (.*)`)
	reRoute := regexp.MustCompile(`// @Route: (.*)`)
	reDesc := regexp.MustCompile(`// @Description: (.*)`)
	reResp := regexp.MustCompile(`// @Response: (.*)`)

	var endpoints []endpoint
	for _, file := range files {
		if !strings.HasSuffix(file.Name(), ".go") || strings.HasSuffix(file.Name(), "_test.go") {
			continue
		}

		f, err := os.Open(filepath.Join(srcDir, file.Name()))
		if err != nil {
			continue
		}

		scanner := bufio.NewScanner(f)
		var current endpoint
		for scanner.Scan() {
			line := scanner.Text()
			if m := reTitle.FindStringSubmatch(line); len(m) > 1 {
				current.Title = strings.TrimSpace(m[1])
			}
			if m := reRoute.FindStringSubmatch(line); len(m) > 1 {
				current.Route = strings.TrimSpace(m[1])
			}
			if m := reDesc.FindStringSubmatch(line); len(m) > 1 {
				current.Description = strings.TrimSpace(m[1])
			}
			if m := reResp.FindStringSubmatch(line); len(m) > 1 {
				current.Response = strings.TrimSpace(m[1])
				if current.Title != "" && current.Route != "" {
					endpoints = append(endpoints, current)
					current = endpoint{}
				}
			}
		}
		f.Close()
	}

	if err := os.WriteFile(outFile, []byte(render(endpoints)), 0o644); err != nil {
		panic(err)
	}
	fmt.Printf("Wrote %d endpoints to %s\n", len(endpoints), outFile)
}

func render(endpoints []endpoint) string {
	var b strings.Builder
	b.WriteString("= vsb endpoint reference\n\n")
	b.WriteString("Auto-generated from handler annotations; do not edit by hand.\n")
	for _, ep := range endpoints {
		fmt.Fprintf(&b, "\n== %s\n\n", ep.Title)
		fmt.Fprintf(&b, "`%s`\n\n", ep.Route)
		fmt.Fprintf(&b, "%s\n\n", ep.Description)
		fmt.Fprintf(&b, "Response: %s\n", ep.Response)
	}
	return b.String()
}
