// Package dlq contains the dead-letter and error-classification
// subsystem: the classifier that turns an error plus delivery-attempt
// count into a retry/dlq/discard decision, the structural poison
// pre-check that flags undeliverable payloads before any handler runs,
// and the recorder that quarantines poison messages for operator
// remediation.
//
// The classifier advises; it does not enforce redelivery timing. The
// retry-policy constants in [Policy] document the configuration the
// underlying broker must match.
package dlq
