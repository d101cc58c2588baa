package usercontext

// KeyUserContext is the fiber Locals key holding the authenticated caller.
const KeyUserContext = "USER_CONTEXT"
