package ldaphelpers

// AllObjects matches every entry; both feeds enumerate the whole tree and
// let the store sort objects by class.
const AllObjects = "(objectClass=*)"
