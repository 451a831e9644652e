package main

// ToolDefinitions declares nmap service scans. Each profile becomes its own
// executor.
func ToolDefinitions() ([]map[string]any, error) {
	profiles := map[string][]string{
		"nmap-top":  {"--top-ports", "1000"},
		"nmap-full": {"-p-"},
	}
	var defs []map[string]any
	for _, id := range []string{"nmap-top", "nmap-full"} {
		args := append([]string{"-sV", "-oG", "-"}, profiles[id]...)
		args = append(args, "{target}")
		defs = append(defs, map[string]any{
			"id":          id,
			"category":    "scan",
			"description": "nmap service scan (" + id + ")",
			"version":     "7.94",
			"executable":  "nmap",
			"args":        args,
			"options": map[string][]string{
				"scripts": {"--script={scripts}"},
			},
			"parameters": map[string]any{
				"scripts": map[string]any{"type": "list"},
			},
			"timeout": "1h",
		})
	}
	return defs, nil
}

// main is empty; reconflow loads this file through ToolDefinitions.
func main() {}
