/*
Package strata is a client for the data plane of the Strata wide-column
storage service, built around its bulk mutation path.

A Client is constructed over a Service, the small transport interface its
RPCs go through, and hands out Table handles:

	client, err := strata.NewClient(cfg, svc, logger, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	table := client.Table("events")

	m := strata.NewRowMutation("row-1")
	m.Set("fam", "col", strata.Now(), []byte("v"))

	if err := table.BulkApply(ctx, strata.NewBulkMutation(m)); err != nil {
		var bf *strata.BulkFailure
		if errors.As(err, &bf) {
			// bf.Failed lists exactly the mutations to resubmit.
		}
	}

BulkApply keeps resubmitting the mutations that failed with a transient
status until each of them is applied, fails for good, or the retry budget
runs out. Only mutations that are idempotent under the table's
IdempotencyPolicy are resubmitted when the outcome of an attempt is unknown;
the rest fail rather than risk being applied twice. Every mutation ends up
exactly once in either the applied set or the returned BulkFailure, reported
under the index it had in the submitted batch.

Timestamps are explicit by default. A SetCell carrying ServerTime delegates
timestamping to the service, which makes the mutation non-idempotent and so
excluded from retries under SafeIdempotency.
*/
package strata
