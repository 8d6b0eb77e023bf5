// Package sigcodec provides the signature encoding primitives shared by the
// token backends:
//   - digest truncation for DSA and ECDSA keys
//   - PKCS#1 v1.5 block type 1 padding, and EMSA-PSS encoding
//   - conversion between plain (r||s) and ASN.1 DER signature formats
//   - DigestInfo construction and parsing
//
// All functions are pure and safe for concurrent use.
package sigcodec
