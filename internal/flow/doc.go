// Package flow is an in-process continuous payment stream protocol.
//
// A flow moves a token from a sender to a receiver at a constant rate per
// second. Nothing is written while a flow runs: an account's realtime
// balance is its static balance plus rate*elapsed over every open inflow,
// minus the same over every open outflow. Closing a flow folds its accrued
// amount into the static balances.
//
// Receivers may register an App. The host calls the App's hooks
// synchronously: BeforeAgreementCreated and BeforeAgreementUpdated can veto
// the change, AfterAgreementTerminated is informational and cannot stop a
// close.
//
// The host is not safe for concurrent use. It is driven from inside
// engine.Executor jobs, which serialize every call.
//
// Solvency (deposits, liquidation of senders whose balance runs dry) is not
// modelled; a sender's realtime balance may go negative.
package flow
