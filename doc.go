// Package taskhawk dispatches function calls ("tasks") as messages over a
// priority-partitioned queue topology and runs the consumer side that pulls,
// validates, invokes and acknowledges them.
//
// A Hub ties a Registry of tasks to a Provider that builds publisher and
// consumer backends for a broker (in-memory, NSQ, AWS SNS/SQS or Google
// Pub/Sub). Tasks are registered once at startup:
//
//	hub, _ := taskhawk.NewHub(taskhawk.Config{Queue: "dev-myapp"}, nil, memory.NewProvider("dev-myapp"))
//	sendEmail, _ := hub.RegisterTask("tasks.send_email", func(ctx context.Context, to, subject string) error {
//		...
//	})
//	_, err := sendEmail.WithHeaders(map[string]string{"request_id": "1234"}).Dispatch(ctx, "user@example.com", "Hello!")
//
// and consumed with ListenForMessages. Task functions signal the consumer
// through their returned error: Ignore acknowledges without effect, Retry
// defers redelivery, NewLoggingError fails with structured log context, and
// any other error fails the delivery.
package taskhawk
