// Package pipeline evaluates plugin chains and routes their outcomes.
//
// [Evaluate] is the chain evaluator: it runs handlers strictly in order in
// the caller's goroutine and reduces them to one [Outcome]. [Pipeline] owns
// one chain per event class plus the backend, and decides what each outcome
// means:
//
//	            Continue          Reject            Drop              Fail
//	connection  observers         message, close    close             generic error, close
//	request     backend           message           nothing           generic error
//	response    connection.Send   suppressed        suppressed        logged
//
// Chains are fixed when the pipeline is built. Items are independent; two
// requests on one connection may be answered in either order.
package pipeline
