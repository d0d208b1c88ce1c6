// Package psifos implements the cryptographic lifecycle of an
// end-to-end-verifiable election: the trustee key-generation ceremony,
// ballot admission, homomorphic tally accumulation and threshold
// decryption. Transport and persistence mapping are left to the caller;
// the engine is driven through the operations of the service package.
package psifos

// ServiceName is the identifier of the election service.
const ServiceName = "psifos"
