// Copyright 2026 The pandamem Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command pandamem-conf loads and validates a memory-budget YAML file
// and prints the resolved configuration.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/pandamem/core/internal/flag2"
	"github.com/pandamem/core/internal/memconfig"
)

func main() {
	flag.String("config", "", "path to a memconfig YAML document (required)")
	flag.Bool("dump", false, "print the resolved configuration after validation")
	flag.Parse()

	path := flag2.Lookup[string]("config")
	if path == "" {
		fmt.Fprintln(os.Stderr, "pandamem-conf: -config is required")
		os.Exit(2)
	}

	doc, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pandamem-conf: %v\n", err)
		os.Exit(1)
	}

	opts, err := memconfig.Load(doc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pandamem-conf: %v\n", err)
		os.Exit(1)
	}

	if flag2.Lookup[bool]("dump") {
		fmt.Printf("%+v\n", opts)
	}
}
