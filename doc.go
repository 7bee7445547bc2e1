/*
Package relkv implements a denormalized relational consistency engine on
top of a schemaless, eventually consistent transactional key-value store.

We implement:

1. Kinds, ordered collections of typed fields describing one entity class.

2. Fields, coercing client input into stored properties: strings, numbers,
booleans, timestamps, selections, keys, blobs, coordinates and relations.

3. Relations, denormalized onto the source entity and into a mirror table
that answers queries over destination attributes and drives the deferred
refresh of stale snapshots.

4. Unique locks, marker entities claimed inside the owner's transaction
that make per-field uniqueness atomic with the write.

5. Blob locks, tracking which external blobs an entity references so a
vacuum pass can release the unreferenced ones.

# Technical Details

**Entity groups.**
The transport only guarantees transactional atomicity within one entity
group, the subtree under a root key, plus a small cross-group budget.
Relation mirror rows are children of their source entity, so a source
write and its mirror reconciliation always commit together. Everything
crossing entity groups beyond the budget runs as deferred tasks.

**Relation mirror.**
One row per (source entity, field, destination): a snapshot of the
destination's mirrored attributes, a snapshot of the source's parent
attributes, optional per-relation data and the bookkeeping properties
driving consistency enforcement and refresh scheduling.

**Queries.**
Filters on relation attributes rewrite the query onto the mirror and
resolve row parents back to source entities. IN and != filters decompose
into several native queries whose results are deduplicated, re-sorted
client-side and truncated. Spatial search decomposes into four directed
tile scans merged by true distance.
*/
package relkv
