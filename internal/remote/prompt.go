// Copyright 2024 Mediasweep Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package remote

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"mediasweep/internal/common"
)

// Prompter asks the user for confirmation before destructive steps.
type Prompter struct {
	in         *bufio.Reader
	out        io.Writer
	assumeYes  bool
	isTerminal func() bool
}

// NewPrompter prompts on stdin/stdout. With assumeYes every question is
// answered yes without reading input.
func NewPrompter(assumeYes bool) *Prompter {
	return &Prompter{
		in:         bufio.NewReader(os.Stdin),
		out:        os.Stdout,
		assumeYes:  assumeYes,
		isTerminal: func() bool { return term.IsTerminal(int(os.Stdin.Fd())) },
	}
}

// Confirm prints question and reads a y/N answer. Without a terminal on
// stdin it refuses with common.ErrUserDeclined unless assumeYes is set.
func (p *Prompter) Confirm(question string) (bool, error) {
	if p.assumeYes {
		fmt.Fprintf(p.out, "%s [y/N] y (--yes)\n", question)
		return true, nil
	}
	if !p.isTerminal() {
		return false, fmt.Errorf("cannot ask %q without a terminal, pass --yes: %w", question, common.ErrUserDeclined)
	}
	fmt.Fprintf(p.out, "%s [y/N] ", question)
	answer, err := p.in.ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes", nil
}
