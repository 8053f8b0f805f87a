// Copyright 2025 Tom Barlow
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

package cronsched

import (
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// withinWindowExpr is the boolean guard evaluated against every
// candidate window: a materialized window's end must not precede the
// schedule's StartWindow nor follow its EndWindow, when those bounds are
// set. This is the one boolean predicate spec.md §4.8 asks the scheduler
// to hold ("startWindow/endWindow constrain output"); expressing it
// through the expr-lang evaluator (rather than a couple of inline
// comparisons) keeps this package's one bit of conditional logic in the
// same embeddable-expression form the domain's template engine builds on
// elsewhere, instead of introducing a second, bespoke predicate style.
const withinWindowExpr = `(!hasStart || !windowEnd.Before(startWindow)) && (!hasEnd || !windowEnd.After(endWindow))`

var withinWindowProgram = compileWindowGuard()

func compileWindowGuard() *vm.Program {
	program, err := expr.Compile(withinWindowExpr, expr.Env(windowEnv{}))
	if err != nil {
		// The expression is a package constant; a compile failure here
		// is a programming error, not a runtime condition.
		panic("cronsched: compile window guard: " + err.Error())
	}
	return program
}

// windowEnv avoids handing expr a nilable *time.Time directly: bound
// absence is carried as an explicit flag instead, since expr-lang
// evaluates method calls (Before/After) on the bound's concrete value
// regardless of the flag, and a zero time.Time is a valid receiver.
type windowEnv struct {
	WindowEnd   time.Time `expr:"windowEnd"`
	HasStart    bool      `expr:"hasStart"`
	StartWindow time.Time `expr:"startWindow"`
	HasEnd      bool      `expr:"hasEnd"`
	EndWindow   time.Time `expr:"endWindow"`
}

// withinWindow reports whether windowEnd falls within [startWindow,
// endWindow], treating either bound as open when nil.
func withinWindow(windowEnd time.Time, startWindow, endWindow *time.Time) bool {
	env := windowEnv{WindowEnd: windowEnd}
	if startWindow != nil {
		env.HasStart = true
		env.StartWindow = *startWindow
	}
	if endWindow != nil {
		env.HasEnd = true
		env.EndWindow = *endWindow
	}
	out, err := expr.Run(withinWindowProgram, env)
	if err != nil {
		return false
	}
	ok, _ := out.(bool)
	return ok
}
