// Package harness runs scripted market scenarios as executable contract tests.
//
// A scenario drives a fresh in-memory market with a manual clock through a
// list of steps, checks each step's expected outcome, evaluates final-state
// assertions and records a deterministic trace for golden comparison.
//
// # Scenario Format
//
//	name: zine_sale
//	description: "One buyer pays up, another leaves early"
//	token: fDAIx          # default token for every step (optional)
//	start: 1700000000     # clock start, unix seconds (optional)
//	steps:
//	  - action: signup
//	    owner: alice
//	  - action: create_item
//	    item: zine          # alias used by later steps
//	    owner: alice
//	    price: 42
//	    units: 10
//	    ends_in: 720h
//	  - action: mint
//	    to: bob
//	    amount: "100"
//	  - action: open_stream
//	    item: zine
//	    buyer: bob          # rate defaults to the required rate
//	  - action: advance
//	    by: 24h
//	  - action: claim
//	    item: zine
//	    buyer: bob
//	    expect_error: NOT_PAID_ENOUGH
//	assertions:
//	  - type: available
//	    item: zine
//	    equals: "10"
//
// # Actions
//
// signup, update_profile, create_item, mint, open_stream, update_stream,
// close_stream, advance, claim, upkeep, withdraw, update_item.
//
// # Assertion Types
//
//   - available: units of item neither reserved nor claimed
//   - unit_balance: units of `unit` held by account in item's collection
//   - balance: realtime token balance of account (or of item's account)
//   - events: number of events of kind (optionally for one item)
//   - balanced: item's tally accounts for every unit exactly once
//
// # Deterministic Testing
//
// Every scenario runs with a manual clock, fixed operation ids and an
// in-memory unit ledger, so identical scenarios produce identical traces.
// Item ids appear in traces by alias.
package harness
