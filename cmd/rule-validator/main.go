// Package main provides a rule and configuration validation tool for gatekeeper.
package main

import (
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/opd-ai/gatekeeper/pkg/config"
	"github.com/opd-ai/gatekeeper/pkg/filter"
)

var (
	version   = "0.1.0-dev"
	buildTime = "unknown"
)

func main() {
	// Parse command-line flags
	configFile := flag.String("config", "", "Path to configuration file to validate")
	ruleFile := flag.String("rule", "", "Path to rule file to validate")
	generateSample := flag.Bool("generate", false, "Print a sample rule file")
	showVersion := flag.Bool("version", false, "Show version information")
	verbose := flag.Bool("verbose", false, "Verbose output")
	flag.Parse()

	if *showVersion {
		fmt.Printf("rule-validator version %s (built %s)\n", version, buildTime)
		fmt.Println("Rule and configuration validation tool for gatekeeper")
		os.Exit(0)
	}

	if *generateSample {
		printSample()
		os.Exit(0)
	}

	if *configFile == "" && *ruleFile == "" {
		fmt.Fprintln(os.Stderr, "Usage: rule-validator -config <file> | -rule <file>")
		flag.PrintDefaults()
		os.Exit(2)
	}

	if *configFile != "" {
		cfg := config.DefaultConfig()
		if err := config.LoadFromFile(*configFile, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "✗ %s: %v\n", *configFile, err)
			os.Exit(1)
		}
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "✗ %s: %v\n", *configFile, err)
			os.Exit(1)
		}
		rules, err := cfg.RuleSet()
		if err != nil {
			fmt.Fprintf(os.Stderr, "✗ %s: %v\n", *configFile, err)
			os.Exit(1)
		}
		fmt.Printf("✓ %s: valid configuration, %d rule entries\n", *configFile, rules.Len())
		if *verbose {
			printRules(rules)
		}
	}

	if *ruleFile != "" {
		rules, err := config.LoadRuleFile(*ruleFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "✗ %s: %v\n", *ruleFile, err)
			os.Exit(1)
		}
		fmt.Printf("✓ %s: valid rule file, %d entries\n", *ruleFile, rules.Len())
		if *verbose {
			printRules(rules)
		}
	}
}

// printRules renders the compiled entries back to YAML
func printRules(rules *filter.RuleSet) {
	out, err := yaml.Marshal(rules.Entries())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to render rules: %v\n", err)
		return
	}
	os.Stdout.Write(out)
}

// printSample writes a documented sample rule file
func printSample() {
	fmt.Print(`# gatekeeper rule file
# The first entry is the default verdict and must match everything.
# Later entries override earlier ones.
- allow: {}
- deny:
    domain:
      wildcard: "*.evil.com"
- deny:
    domain:
      pattern: '\Aevil\.com\z'
- allow:
    ip: 10.0.0.0/8
    port: 22
`)
}
