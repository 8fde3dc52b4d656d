// Package vm implements the embedded guest runtime.
//
// This package contains:
//   - NaN-boxed value representation
//   - A mark-and-sweep cell heap with explicit roots and scratch scopes
//   - Object types with hashed member tables and vtables
//   - Bytecode builder, verifier and interpreter
//   - Guest exceptions with captured stacks
//   - CBOR module images
package vm
